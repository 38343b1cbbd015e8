package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/cache_query"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/config_loader"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_client"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

// queryFlags are shared by the list and get commands
type queryFlags struct {
	userID     string
	cluster    string
	namespace  string
	apiVersion string
	kind       string
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.userID, "user", "", "Only return objects owned by this user id")
	cmd.Flags().StringVar(&f.cluster, "cluster", "", "Cluster id")
	cmd.Flags().StringVarP(&f.namespace, "namespace", "n", "", "Namespace")
	cmd.Flags().StringVar(&f.apiVersion, "api-version", "", "API version of the kind, e.g. amalthea.dev/v1alpha1")
	cmd.Flags().StringVar(&f.kind, "kind", "", "Kind, e.g. AmaltheaSession")
}

func newListCommand() *cobra.Command {
	var (
		flags          queryFlags
		selector       string
		expression     string
		where          []string
		includeDeleted bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached objects as YAML",
		Long: `List cached objects matching the given filters.

Conditions given with --where use the form field:operator:value, e.g.
  --where status.state:in:[Running,Starting]
  --where metadata.annotations:exists
Values are parsed as YAML.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			conditions := make([]cache_query.Condition, 0, len(where))
			for _, w := range where {
				c, err := parseCondition(w)
				if err != nil {
					return err
				}
				conditions = append(conditions, c)
			}
			q := cache_query.Query{
				UserID:         flags.userID,
				Cluster:        flags.cluster,
				Namespace:      flags.namespace,
				APIVersion:     flags.apiVersion,
				Kind:           flags.kind,
				LabelSelector:  selector,
				Expression:     expression,
				Conditions:     conditions,
				IncludeDeleted: includeDeleted,
			}
			return withQueryAPI(func(ctx context.Context, api *cache_query.API) error {
				results, err := api.List(ctx, q)
				if err != nil {
					return err
				}
				return printYAML(cmd.OutOrStdout(), results)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&selector, "selector", "l", "", "Label selector, e.g. app=session,tier!=gpu")
	cmd.Flags().StringVar(&expression, "expression", "", "CEL predicate over the manifest bound to 'object'")
	cmd.Flags().StringArrayVar(&where, "where", nil, "Condition field:operator:value (repeatable)")
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "Include tombstoned objects")
	return cmd
}

func newGetCommand() *cobra.Command {
	var flags queryFlags
	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Print one cached object as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.cluster == "" || flags.namespace == "" || flags.kind == "" || flags.apiVersion == "" {
				return fmt.Errorf("--cluster, --namespace, --api-version and --kind are required")
			}
			gvk, err := k8s_client.GVKFromKindAndApiVersion(flags.kind, flags.apiVersion)
			if err != nil {
				return err
			}
			key := k8s_cache.ObjectKey{
				Cluster:   k8s_cache.ClusterID(flags.cluster),
				Namespace: flags.namespace,
				GVK:       gvk,
				Name:      args[0],
			}
			return withQueryAPI(func(ctx context.Context, api *cache_query.API) error {
				result, err := api.Get(ctx, key, flags.userID)
				if err != nil {
					return err
				}
				return printYAML(cmd.OutOrStdout(), result)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newPurgeCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete tombstones older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, config *config_loader.K8sCacheConfig, cache k8s_cache.ObjectCache, log logger.Logger) error {
				age := olderThan
				if age <= 0 {
					age = config.Spec.Cache.TombstoneTTLDuration()
				}
				n, err := cache.PurgeTombstonesOlderThan(ctx, age)
				if err != nil {
					return err
				}
				log.Infof(ctx, "Purged %d tombstones older than %s", n, age)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Retention period (defaults to spec.cache.tombstoneTTL)")
	return cmd
}

// withStore loads the configuration and opens the Postgres store for a
// one-shot command. The in-memory store holds nothing outside serve.
func withStore(fn func(ctx context.Context, config *config_loader.K8sCacheConfig, cache k8s_cache.ObjectCache, log logger.Logger) error) error {
	ctx := context.Background()

	log, err := logger.NewLogger(buildLoggerConfig(componentName))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	config, err := config_loader.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load cache configuration: %w", err)
	}
	if config.Spec.Database.Driver != config_loader.DriverPostgres {
		return fmt.Errorf("database driver %q keeps no state outside serve", config.Spec.Database.Driver)
	}

	cache, closeCache, err := openCache(ctx, config, false, log)
	if err != nil {
		return err
	}
	defer closeCache()

	return fn(ctx, config, cache, log)
}

// withQueryAPI runs fn against a query API without staleness information
func withQueryAPI(fn func(ctx context.Context, api *cache_query.API) error) error {
	return withStore(func(ctx context.Context, _ *config_loader.K8sCacheConfig, cache k8s_cache.ObjectCache, log logger.Logger) error {
		return fn(ctx, cache_query.New(cache, nil, log))
	})
}

// parseCondition parses field:operator[:value]. The value may itself contain colons.
func parseCondition(s string) (cache_query.Condition, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" {
		return cache_query.Condition{}, fmt.Errorf("invalid condition %q: expected field:operator:value", s)
	}
	if !cache_query.IsValidOperator(parts[1]) {
		return cache_query.Condition{}, fmt.Errorf("invalid condition %q: unknown operator %q", s, parts[1])
	}

	c := cache_query.Condition{Field: parts[0], Operator: cache_query.Operator(parts[1])}
	if c.Operator == cache_query.OperatorExists {
		return c, nil
	}
	if len(parts) < 3 {
		return cache_query.Condition{}, fmt.Errorf("invalid condition %q: operator %s needs a value", s, parts[1])
	}
	if err := yaml.Unmarshal([]byte(parts[2]), &c.Value); err != nil {
		return cache_query.Condition{}, fmt.Errorf("invalid condition %q: %w", s, err)
	}
	return c, nil
}

func printYAML(w io.Writer, v interface{}) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
