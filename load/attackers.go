package load

import (
	"fmt"

	"github.com/skudasov/vuload"
)

// Handle names of the user management scenario, each handle of a suite needs a unique name
const (
	UsersHandle        = "users"
	UsersArrivalHandle = "users_arrival"
)

func AttackerFromName(name string) (vuload.Attack, error) {
	switch name {
	case UsersHandle, UsersArrivalHandle:
		return NewUsersAttack(), nil
	default:
		return nil, fmt.Errorf("unknown attacker type: %s", name)
	}
}

// DefaultConfig is the suite used when no config file is given:
// 10 virtual users for 30 seconds with latency and error rate thresholds
func DefaultConfig() *vuload.SuiteConfig {
	return &vuload.SuiteConfig{
		Steps: []vuload.Step{
			{
				Name:          "user management api",
				ExecutionMode: vuload.SequenceMode,
				Handles: []vuload.RunnerConfig{
					{
						HandleName:  UsersHandle,
						Executor:    vuload.ConstantVUsExecutor,
						VUs:         10,
						DurationSec: 30,
						ThinkTimeMs: 1000,
						Thresholds: map[string][]string{
							vuload.HTTPReqDuration: {"p(95)<1000"},
							ErrorRateMetric:        {"rate<0.01"},
						},
					},
				},
			},
		},
	}
}
