package codex

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateStopped, StateStarting, true},
		{StateStarting, StateReady, true},
		{StateStarting, StateStopped, true},
		{StateStarting, StateDegraded, true},
		{StateReady, StateDegraded, true},
		{StateReady, StateStopped, true},
		{StateReady, StateRestarting, true},
		{StateDegraded, StateStopped, true},
		{StateDegraded, StateRestarting, true},
		{StateRestarting, StateStopped, true},

		{StateStopped, StateReady, false},
		{StateStopped, StateDegraded, false},
		{StateReady, StateStarting, false},
		{StateDegraded, StateReady, false},
		{StateRestarting, StateReady, false},
		{StateStarting, StateRestarting, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

// TestCanTransition_EveryLiveStateCanStop 任何非 stopped 状态都能回到 stopped。
func TestCanTransition_EveryLiveStateCanStop(t *testing.T) {
	for _, s := range []State{StateStarting, StateReady, StateDegraded, StateRestarting} {
		if !CanTransition(s, StateStopped) {
			t.Errorf("%s → stopped should be allowed", s)
		}
	}
}
