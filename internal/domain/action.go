package domain

import (
	"fmt"
	"time"
)

// Action is one of the closed set of operations a dashboard can be asked to perform.
type Action int

const (
	Recharge Action = iota + 1
	Withdraw
	CreateUser
)

var actionNames = map[Action]string{
	Recharge:   "recharge",
	Withdraw:   "withdraw",
	CreateUser: "createUser",
}

func (a Action) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction accepts the wire name of an action. The HTTP path form
// "create-user" is accepted as an alias of createUser.
func ParseAction(s string) (Action, error) {
	switch s {
	case "":
		return 0, &ValidationError{Field: "action"}
	case "recharge":
		return Recharge, nil
	case "withdraw":
		return Withdraw, nil
	case "createUser", "create-user":
		return CreateUser, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// BackoffFixed is the only backoff type the policy table uses today.
const BackoffFixed = "fixed"

type Backoff struct {
	Type  string
	Delay time.Duration
}

// Policy is the retry configuration stamped onto a job at submission.
type Policy struct {
	Attempts int
	Backoff  Backoff
}

// policies maps each action to its risk class. Recharge moves money and is
// never retried.
var policies = map[Action]Policy{
	Recharge:   {Attempts: 1, Backoff: Backoff{Type: BackoffFixed}},
	Withdraw:   {Attempts: 3, Backoff: Backoff{Type: BackoffFixed}},
	CreateUser: {Attempts: 3, Backoff: Backoff{Type: BackoffFixed}},
}

// PolicyFor returns the retry policy for a.
func PolicyFor(a Action) (Policy, error) {
	p, ok := policies[a]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrUnknownAction, a)
	}
	return p, nil
}
