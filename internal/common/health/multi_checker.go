package health

import (
	"github.com/hashicorp/go-multierror"
)

// MultiChecker runs every checker and fails with all of their errors.
type MultiChecker struct {
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{
		checkers: checkers,
	}
}

func (mc *MultiChecker) Check() error {
	var result *multierror.Error
	for _, checker := range mc.checkers {
		if err := checker.Check(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.checkers = append(mc.checkers, checker)
}
