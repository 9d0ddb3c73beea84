package service

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of one platform binding within one call.
type State int

const (
	Absent State = iota
	Creating
	Bound
	Updating
	Revoking
	Errored
)

func (s State) String() string {
	switch s {
	case Absent:
		return "Absent"
	case Creating:
		return "Creating"
	case Bound:
		return "Bound"
	case Updating:
		return "Updating"
	case Revoking:
		return "Revoking"
	case Errored:
		return "Error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var transitions = map[State][]State{
	Absent:   {Creating},
	Creating: {Bound, Errored},
	Bound:    {Updating, Revoking},
	Updating: {Bound, Errored},
	Revoking: {Absent, Errored},
	// 补偿: 失败的平台仍需撤销
	Errored: {Revoking},
}

// bindingState tracks and logs one binding's transitions.
type bindingState struct {
	state State
	log   *logrus.Entry
}

func newBindingState(initial State, log *logrus.Entry) *bindingState {
	return &bindingState{state: initial, log: log}
}

func (b *bindingState) to(next State) {
	for _, allowed := range transitions[b.state] {
		if allowed == next {
			b.log.Debugf("binding %s -> %s", b.state, next)
			b.state = next
			return
		}
	}
	panic(fmt.Sprintf("invalid binding transition %s -> %s", b.state, next))
}

func (b *bindingState) current() State { return b.state }
