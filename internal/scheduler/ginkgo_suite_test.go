package scheduler_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestSchedulerStateMachine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scheduler State Machine Suite")
}
