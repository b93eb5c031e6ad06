package models

import (
	"context"
	"testing"

	"github.com/aukilabs/dagaz/spatial"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestIndexItemsMetric(t *testing.T) {
	store := IndexStore{ServerID: "metrics"}
	volume := spatial.NewBox(spatial.NewVector2(0, 0), spatial.NewVector2(10, 10))

	first, err := NewIndex(store.NewID(), "same", volume, 4, 2)
	require.NoError(t, err)
	require.NoError(t, store.Add(context.Background(), first))

	second, err := NewIndex(store.NewID(), "same", volume, 4, 2)
	require.NoError(t, err)
	require.NoError(t, store.Add(context.Background(), second))

	_, err = first.Put(Item{ID: "a", Position: spatial.NewVector2(1, 1)})
	require.NoError(t, err)
	_, err = second.Put(Item{ID: "a", Position: spatial.NewVector2(1, 1)})
	require.NoError(t, err)
	_, err = second.Put(Item{ID: "b", Position: spatial.NewVector2(2, 2)})
	require.NoError(t, err)

	require.Equal(t, float64(1), gaugeValue(t, indexItems.WithLabelValues(first.GlobalID)))
	require.Equal(t, float64(2), gaugeValue(t, indexItems.WithLabelValues(second.GlobalID)))

	store.Remove(context.Background(), first)
	require.False(t, indexItems.DeleteLabelValues(first.GlobalID))
	require.Equal(t, float64(2), gaugeValue(t, indexItems.WithLabelValues(second.GlobalID)))
}
