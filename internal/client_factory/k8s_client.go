package client_factory

import (
	"context"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/config_loader"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_client"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
)

// CreateK8sClient creates a Kubernetes client for one configured cluster
func CreateK8sClient(ctx context.Context, cluster config_loader.ClusterConfig, log logger.Logger) (*k8s_client.Client, error) {
	clientConfig := k8s_client.ClientConfig{
		KubeConfigPath: cluster.KubeConfigPath,
		QPS:            cluster.GetQPS(),
		Burst:          cluster.GetBurst(),
	}
	return k8s_client.NewClient(logger.WithClusterID(ctx, cluster.ID), clientConfig, log)
}

// ListerWatcherFactory adapts CreateK8sClient to the cluster registry's factory signature
func ListerWatcherFactory(log logger.Logger) func(context.Context, config_loader.ClusterConfig) (k8s_client.ListerWatcher, error) {
	return func(ctx context.Context, cluster config_loader.ClusterConfig) (k8s_client.ListerWatcher, error) {
		c, err := CreateK8sClient(ctx, cluster, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
