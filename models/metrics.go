package models

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	indexLabel     = "index_id"
	operationLabel = "operation"
	errorTypeLabel = "error_type"
)

var (
	indexCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "index_count",
		Help: "The number of indexes.",
	})

	indexCountTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "index_count_total",
		Help: "The total number of indexes.",
	})

	indexItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "index_items",
		Help: "The number of items stored in an index.",
	}, []string{indexLabel})

	indexOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "index_operations",
		Help: "The number of operations performed on indexes.",
	}, []string{operationLabel})

	indexOperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "index_operation_errors",
		Help: "The number of failed operations on indexes.",
	}, []string{operationLabel, errorTypeLabel})
)

func instrumentIncreaseIndexGauge() {
	indexCount.Inc()
}

func instrumentDecreaseIndexGauge() {
	indexCount.Dec()
}

func instrumentCountIndex() {
	indexCountTotal.Inc()
}

func instrumentIndexItems(globalID string, count int) {
	indexItems.
		With(prometheus.Labels{indexLabel: globalID}).
		Set(float64(count))
}

func instrumentRemoveIndexItems(globalID string) {
	indexItems.Delete(prometheus.Labels{indexLabel: globalID})
}

func instrumentIndexOperation(op string) {
	indexOperations.
		With(prometheus.Labels{operationLabel: op}).
		Inc()
}

func instrumentIndexOperationError(op string, err error) {
	indexOperationErrors.
		With(prometheus.Labels{
			operationLabel: op,
			errorTypeLabel: errors.Type(err),
		}).
		Inc()
}
