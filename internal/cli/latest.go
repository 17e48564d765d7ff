package cli

import (
	"context"

	"hrwatch/internal/engine"
	"hrwatch/internal/history"
	"hrwatch/internal/model"
)

type seededView struct {
	Window  []model.Reading `json:"window"`
	Stats   model.Stats     `json:"stats"`
	HasData bool            `json:"has_data"`
}

// latestView is the non-streaming variant: the last count readings, oldest
// first, in a window of the configured capacity.
func latestView(ctx context.Context, src history.Source, capacity, count int) (seededView, error) {
	readings, err := src.Latest(ctx, count)
	if err != nil {
		return seededView{}, err
	}
	st := engine.SeedState(capacity, readings)
	return seededView{
		Window:  st.Window.Readings(),
		Stats:   st.Stats,
		HasData: st.HasRealData,
	}, nil
}
