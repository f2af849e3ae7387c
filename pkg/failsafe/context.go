// Package failsafe implements the commissioning fail-safe context described
// in Matter Core Spec Section 11.10: a time-bounded window during which
// fabric-table and regulatory-config mutations are provisional, rolled back
// automatically if CommissioningComplete never arrives.
//
// It satisfies generalcommissioning.FailSafeManager, replacing the simpler
// commissioning.FailSafeTimer wherever a server node needs rollback, not
// just expiry notification.
package failsafe

import (
	"errors"
	"sync"
	"time"

	"github.com/fenwick-iot/matterhub/pkg/fabric"
)

// Context errors.
var (
	ErrArmedByOtherFabric = errors.New("failsafe: armed by a different fabric")
	ErrNotArmed           = errors.New("failsafe: not armed")
	ErrCumulativeExceeded = errors.New("failsafe: maximum cumulative fail-safe duration exceeded")
)

// DefaultMaxCumulative bounds the total time a single commissioning window
// may keep re-arming the fail-safe, regardless of individual expiry resets.
// Spec: Section 4.I
const DefaultMaxCumulative = 900 * time.Second

// state is the fail-safe context's own lifecycle, distinct from the
// caller-visible IsArmed() boolean: Expired and Disarmed both report
// IsArmed()==false, but only Expired ran rollback.
type state uint8

const (
	stateDisarmed state = iota
	stateArmed
	stateExpired
)

// RollbackHooks undo whatever a commissioning window mutated, invoked once
// when the context expires without a completed commission. Each hook is
// optional; nil hooks are skipped.
type RollbackHooks struct {
	// RemoveFabric deletes the fabric added or updated under this window.
	RemoveFabric func(index fabric.FabricIndex) error

	// ClearACL removes ACL entries staged for this fabric during the window.
	ClearACL func(index fabric.FabricIndex) error

	// RestoreRegulatoryConfig reverts any SetRegulatoryConfig made during
	// the window back to its value when the fail-safe was first armed.
	RestoreRegulatoryConfig func()

	// CloseCommissioningWindow closes the open commissioning/PASE window,
	// if one is still open.
	CloseCommissioningWindow func()
}

// Context is the fail-safe state machine for one node. One Context serves
// the whole node; only one commissioning window may be armed at a time,
// matching the spec's single-fabric-at-a-time arming rule.
type Context struct {
	mu sync.Mutex

	st          state
	fabricIndex fabric.FabricIndex
	fabricAdded bool

	expiryTimer *time.Timer
	maxTimer    *time.Timer

	windowStartedAt time.Time
	maxCumulative   time.Duration

	hooks RollbackHooks
}

// NewContext creates a disarmed fail-safe context. hooks are invoked on
// rollback; maxCumulative overrides DefaultMaxCumulative when non-zero.
func NewContext(hooks RollbackHooks, maxCumulative time.Duration) *Context {
	if maxCumulative <= 0 {
		maxCumulative = DefaultMaxCumulative
	}
	return &Context{
		hooks:         hooks,
		maxCumulative: maxCumulative,
	}
}

// IsArmed implements generalcommissioning.FailSafeManager.
func (c *Context) IsArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateArmed
}

// ArmedFabricIndex implements generalcommissioning.FailSafeManager.
func (c *Context) ArmedFabricIndex() fabric.FabricIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != stateArmed {
		return 0
	}
	return c.fabricIndex
}

// Arm implements generalcommissioning.FailSafeManager. expirySeconds==0 is
// rejected here; the cluster routes a zero-expiry ArmFailSafe on the
// already-armed fabric to Disarm instead (see commands.go).
//
// Spec: Section 4.I "disarmed → armed", "armed → armed (re-armed)"
func (c *Context) Arm(fabricIndex fabric.FabricIndex, expirySeconds uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st == stateArmed && c.fabricIndex != fabricIndex {
		return ErrArmedByOtherFabric
	}

	firstArm := c.st != stateArmed
	if firstArm {
		c.windowStartedAt = time.Now()
		c.fabricIndex = fabricIndex
		c.fabricAdded = false
		c.startMaxTimerLocked()
	}

	c.st = stateArmed
	c.resetExpiryTimerLocked(time.Duration(expirySeconds) * time.Second)
	return nil
}

// Disarm implements generalcommissioning.FailSafeManager: an explicit
// ArmFailSafe(expiry=0) from the arming fabric. Per spec this rolls back
// exactly like a timer-driven expiry.
//
// Spec: Section 4.I "armed → expired on timer fire or ArmFailSafe(expiry=0)"
func (c *Context) Disarm(fabricIndex fabric.FabricIndex) error {
	c.mu.Lock()
	if c.st != stateArmed {
		c.mu.Unlock()
		return ErrNotArmed
	}
	if c.fabricIndex != fabricIndex {
		c.mu.Unlock()
		return ErrArmedByOtherFabric
	}
	c.mu.Unlock()

	c.expire()
	return nil
}

// ExtendArm implements generalcommissioning.FailSafeManager: resets the
// expiry timer without touching the non-resettable cumulative timer.
func (c *Context) ExtendArm(fabricIndex fabric.FabricIndex, expirySeconds uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st != stateArmed {
		return ErrNotArmed
	}
	if c.fabricIndex != fabricIndex {
		return ErrArmedByOtherFabric
	}
	if time.Since(c.windowStartedAt)+time.Duration(expirySeconds)*time.Second > c.maxCumulative {
		return ErrCumulativeExceeded
	}

	c.resetExpiryTimerLocked(time.Duration(expirySeconds) * time.Second)
	return nil
}

// Complete implements generalcommissioning.FailSafeManager: successful
// CommissioningComplete disarms without rollback.
//
// Spec: Section 4.I "armed → disarmed on CommissioningComplete"
func (c *Context) Complete(fabricIndex fabric.FabricIndex) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st != stateArmed {
		return ErrNotArmed
	}
	if c.fabricIndex != fabricIndex {
		return ErrArmedByOtherFabric
	}

	c.stopTimersLocked()
	c.st = stateDisarmed
	return nil
}

// MarkFabricAdded records that AddNOC ran a new fabric into the table under
// this window, so a later rollback knows to delete it rather than merely
// restore an updated one. Callers invoke this from the AddNOC handler.
func (c *Context) MarkFabricAdded(index fabric.FabricIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == stateArmed && c.fabricIndex == index {
		c.fabricAdded = true
	}
}

// resetExpiryTimerLocked replaces the expiry timer. Caller holds c.mu.
func (c *Context) resetExpiryTimerLocked(d time.Duration) {
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
	}
	c.expiryTimer = time.AfterFunc(d, c.expire)
}

// startMaxTimerLocked starts the non-resettable cumulative timer for a
// fresh commissioning window. Caller holds c.mu.
func (c *Context) startMaxTimerLocked() {
	if c.maxTimer != nil {
		c.maxTimer.Stop()
	}
	c.maxTimer = time.AfterFunc(c.maxCumulative, c.expire)
}

func (c *Context) stopTimersLocked() {
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}
	if c.maxTimer != nil {
		c.maxTimer.Stop()
		c.maxTimer = nil
	}
}

// expire runs rollback and returns the context to stateExpired. Idempotent:
// a second caller (e.g. both timers firing in a race) is a no-op.
//
// Spec: Section 4.I "On expire roll back: delete any fabric added under
// this context, restore prior regulatory config, close commissioning
// window, clear temporary ACL entries."
func (c *Context) expire() {
	c.mu.Lock()
	if c.st != stateArmed {
		c.mu.Unlock()
		return
	}
	fabricIndex := c.fabricIndex
	fabricAdded := c.fabricAdded
	c.stopTimersLocked()
	c.st = stateExpired
	c.mu.Unlock()

	if fabricAdded && c.hooks.RemoveFabric != nil {
		_ = c.hooks.RemoveFabric(fabricIndex)
	}
	if c.hooks.ClearACL != nil {
		_ = c.hooks.ClearACL(fabricIndex)
	}
	if c.hooks.RestoreRegulatoryConfig != nil {
		c.hooks.RestoreRegulatoryConfig()
	}
	if c.hooks.CloseCommissioningWindow != nil {
		c.hooks.CloseCommissioningWindow()
	}
}
