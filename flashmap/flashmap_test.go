package flashmap

import (
	"testing"

	"openenterprise/fwupdate/flashsim"
)

const (
	testLiveBase  = 0x08000000
	testStageBase = 0x08040000
	testSize      = 0x40000
)

func newTestMap(t *testing.T) (*Map, *flashsim.Flash) {
	t.Helper()
	sim := flashsim.New(testLiveBase, 2*testSize)
	m := NewMap(sim, testLiveBase, testStageBase, testSize)
	return m, sim
}

func TestHasDataOnErasedRegionIsFalse(t *testing.T) {
	m, _ := newTestMap(t)
	if m.LiveHasData() {
		t.Error("erased live region reported HasData")
	}
	if m.StageHasData() {
		t.Error("erased stage region reported HasData")
	}
}

func TestHasDataAfterProgram(t *testing.T) {
	m, _ := newTestMap(t)
	if err := m.ProgramWord(m.StageBase(), 0x12345678); err != nil {
		t.Fatalf("ProgramWord: %v", err)
	}
	if !m.StageHasData() {
		t.Error("stage region with a programmed first word should report HasData")
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	m, _ := newTestMap(t)
	if m.StageApproved() {
		t.Error("freshly erased stage reported approved")
	}
	if err := m.ApproveStage(); err != nil {
		t.Fatalf("ApproveStage: %v", err)
	}
	if !m.StageApproved() {
		t.Error("stage not approved after ApproveStage")
	}
}

func TestVersionRoundTrip(t *testing.T) {
	m, _ := newTestMap(t)
	version := [VersionLen]byte{'1', '.', '2', '.', '4'}
	if err := m.WriteStageVersion(version); err != nil {
		t.Fatalf("WriteStageVersion: %v", err)
	}
	got := m.StageVersion()
	if got != version {
		t.Errorf("StageVersion() = %v, want %v", got, version)
	}
}

func TestPromoteStageToLiveCopiesImageAndMetadata(t *testing.T) {
	m, sim := newTestMap(t)

	if err := m.ProgramWord(m.StageBase(), 0xCAFEBABE); err != nil {
		t.Fatalf("program payload: %v", err)
	}
	version := [VersionLen]byte{'1', '.', '2', '.', '4'}
	if err := m.WriteStageVersion(version); err != nil {
		t.Fatalf("WriteStageVersion: %v", err)
	}
	if err := m.ApproveStage(); err != nil {
		t.Fatalf("ApproveStage: %v", err)
	}

	if err := m.PromoteStageToLive(); err != nil {
		t.Fatalf("PromoteStageToLive: %v", err)
	}

	if !m.LiveApproved() {
		t.Error("live not approved after promotion")
	}
	if m.LiveVersion() != version {
		t.Errorf("LiveVersion() = %v, want %v", m.LiveVersion(), version)
	}
	if m.ReadWord(m.LiveBase()) != 0xCAFEBABE {
		t.Errorf("live payload word = 0x%08x, want 0xCAFEBABE", m.ReadWord(m.LiveBase()))
	}
	if m.StageHasData() {
		t.Error("stage should be erased after promotion")
	}
	_ = sim
}

func TestProgramWordRejectsZeroToOneWithoutErase(t *testing.T) {
	m, _ := newTestMap(t)
	if err := m.ProgramWord(m.StageBase(), 0xFFFFFFF0); err != nil {
		t.Fatalf("first program: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic on illegal 0->1 transition without erase")
		}
	}()
	_ = m.ProgramWord(m.StageBase(), 0xFFFFFFFF)
}
