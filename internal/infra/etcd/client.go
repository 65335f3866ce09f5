// internal/infra/etcd/client.go
package etcd

import (
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// NewClient dials the etcd cluster that backs the task records, worker
// counters, and leader election. Keep-alives are tied to the dial timeout so
// a partitioned node loses its streams (and with them its leadership
// session) instead of holding them open silently.
func NewClient(endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:            endpoints,
		DialTimeout:          timeout,
		DialKeepAliveTime:    timeout,
		DialKeepAliveTimeout: timeout,
	})
}
