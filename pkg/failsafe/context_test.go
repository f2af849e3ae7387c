package failsafe

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/fenwick-iot/matterhub/pkg/fabric"
)

func TestContext_ArmDisarm(t *testing.T) {
	var removed atomic.Bool
	ctx := NewContext(RollbackHooks{
		RemoveFabric: func(fabric.FabricIndex) error {
			removed.Store(true)
			return nil
		},
	}, 0)

	if ctx.IsArmed() {
		t.Fatal("IsArmed() = true before Arm()")
	}

	if err := ctx.Arm(1, 100); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if !ctx.IsArmed() {
		t.Error("IsArmed() = false after Arm()")
	}
	if ctx.ArmedFabricIndex() != 1 {
		t.Errorf("ArmedFabricIndex() = %d, want 1", ctx.ArmedFabricIndex())
	}

	if err := ctx.Disarm(1); err != nil {
		t.Fatalf("Disarm: %v", err)
	}
	if ctx.IsArmed() {
		t.Error("IsArmed() = true after Disarm()")
	}
	if removed.Load() {
		t.Error("RemoveFabric invoked though no fabric was marked added under this window")
	}
}

func TestContext_DisarmWrongFabric(t *testing.T) {
	ctx := NewContext(RollbackHooks{}, 0)
	if err := ctx.Arm(1, 100); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := ctx.Disarm(2); err != ErrArmedByOtherFabric {
		t.Errorf("Disarm(wrong fabric) = %v, want ErrArmedByOtherFabric", err)
	}
}

// TestContext_ExpiryRollback covers S6: arm, add a fabric, never complete,
// expect rollback once the expiry timer fires.
func TestContext_ExpiryRollback(t *testing.T) {
	var removedIndex fabric.FabricIndex
	var removed, aclCleared, regulatoryRestored, windowClosed atomic.Bool

	ctx := NewContext(RollbackHooks{
		RemoveFabric: func(idx fabric.FabricIndex) error {
			removedIndex = idx
			removed.Store(true)
			return nil
		},
		ClearACL: func(fabric.FabricIndex) error {
			aclCleared.Store(true)
			return nil
		},
		RestoreRegulatoryConfig: func() {
			regulatoryRestored.Store(true)
		},
		CloseCommissioningWindow: func() {
			windowClosed.Store(true)
		},
	}, 0)

	if err := ctx.Arm(3, 1); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	ctx.MarkFabricAdded(3)

	time.Sleep(1200 * time.Millisecond)

	if ctx.IsArmed() {
		t.Error("still armed after expiry")
	}
	if !removed.Load() || removedIndex != 3 {
		t.Errorf("RemoveFabric not called with index 3, removed=%v idx=%d", removed.Load(), removedIndex)
	}
	if !aclCleared.Load() {
		t.Error("ClearACL not called on expiry")
	}
	if !regulatoryRestored.Load() {
		t.Error("RestoreRegulatoryConfig not called on expiry")
	}
	if !windowClosed.Load() {
		t.Error("CloseCommissioningWindow not called on expiry")
	}
}

func TestContext_CompleteDisarmsWithoutRollback(t *testing.T) {
	var removed atomic.Bool
	ctx := NewContext(RollbackHooks{
		RemoveFabric: func(fabric.FabricIndex) error {
			removed.Store(true)
			return nil
		},
	}, 0)

	if err := ctx.Arm(5, 30); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	ctx.MarkFabricAdded(5)

	if err := ctx.Complete(5); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if ctx.IsArmed() {
		t.Error("still armed after Complete")
	}

	time.Sleep(50 * time.Millisecond)
	if removed.Load() {
		t.Error("RemoveFabric called after successful Complete")
	}
}

func TestContext_ExtendArmCumulativeCap(t *testing.T) {
	ctx := NewContext(RollbackHooks{}, 2*time.Second)

	if err := ctx.Arm(1, 1); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := ctx.ExtendArm(1, 1); err != nil {
		t.Fatalf("ExtendArm within cap: %v", err)
	}
	if err := ctx.ExtendArm(1, 3600); err != ErrCumulativeExceeded {
		t.Errorf("ExtendArm beyond cap = %v, want ErrCumulativeExceeded", err)
	}
}
