package bootstrap

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wellnest/marketplace-api/internal/config"
	"github.com/wellnest/marketplace-api/internal/reconcile"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

const memoryQueueBuffer = 64

// BuildReconcileQueue returns the reconciliation queue. With USE_MEMORY_QUEUE
// the in-process queue is returned as well so the caller can run the worker
// inline and close it on shutdown.
func BuildReconcileQueue(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (reconcile.Queue, *reconcile.MemoryQueue, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg == nil {
		return nil, nil, fmt.Errorf("bootstrap: config is required")
	}
	if cfg.UseMemoryQueue {
		logger.Info("using in-memory reconcile queue")
		q := reconcile.NewMemoryQueue(memoryQueueBuffer)
		return q, q, nil
	}
	if strings.TrimSpace(cfg.ReconcileQueueURL) == "" {
		return nil, nil, fmt.Errorf("bootstrap: RECONCILE_QUEUE_URL is required unless USE_MEMORY_QUEUE is set")
	}
	if awsCfg == nil {
		return nil, nil, fmt.Errorf("bootstrap: aws config required for sqs queue")
	}
	return reconcile.NewSQSQueue(sqs.NewFromConfig(*awsCfg), cfg.ReconcileQueueURL), nil, nil
}
