package codex

// State 会话状态。
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateDegraded   State = "degraded"
	StateRestarting State = "restarting"
)

// transitions 允许的状态边。任何非 stopped 状态都可以经 Stop 回到 stopped。
var transitions = map[State][]State{
	StateStopped:    {StateStarting},
	StateStarting:   {StateReady, StateDegraded, StateStopped},
	StateReady:      {StateDegraded, StateRestarting, StateStopped},
	StateDegraded:   {StateRestarting, StateStopped},
	StateRestarting: {StateStopped},
}

// CanTransition 判断 from → to 是否为合法边。
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Live 状态下持有 (或正在建立) 子进程。
func (s State) Live() bool {
	return s == StateStarting || s == StateReady || s == StateRestarting
}
