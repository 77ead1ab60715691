package pipeline_test

import (
	"github.com/Brownie44l1/scanfood-api/internal/trainer"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func cmpOptions() cmp.Option {
	return cmpopts.IgnoreFields(trainer.Options{}, "OnEpoch")
}
