package api

import (
	"context"
	"errors"

	"github.com/sells-group/prospect-engine/internal/model"
)

type failingSignals struct{}

func (failingSignals) Current(context.Context) (model.SignalSet, error) {
	return model.SignalSet{}, errors.New("disk on fire")
}

func (failingSignals) History(context.Context, int) ([]model.SignalVersionInfo, error) {
	return nil, errors.New("disk on fire")
}
