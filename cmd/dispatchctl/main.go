package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"gen-dispatch-server/modules/common/config"
	"gen-dispatch-server/modules/common/database"
	"gen-dispatch-server/modules/common/model"
	redisutil "gen-dispatch-server/modules/common/redis"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "dispatchctl",
	Short: "Operator tooling for the generation dispatch server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		cfg, err = config.LoadConfig()
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	},
}

func mustDB() *database.Client {
	db, err := database.NewClient(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Supabase: %v", err)
	}
	return db
}

func mustRedis() *goredis.Client {
	rdb := redisutil.Connect(cfg)
	if rdb == nil {
		log.Fatal("Failed to connect to Redis")
	}
	return rdb
}

func timeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// maskKey - 앞 4자리와 뒤 4자리만 노출
func maskKey(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

func printKeys(w io.Writer, provider string, keys []model.ApiKeyRecord) {
	fmt.Fprintf(w, "%s (%d keys)\n", provider, len(keys))
	for _, k := range keys {
		fmt.Fprintf(w, "  #%-4d id=%-8d %s\n", k.KeyNumber, k.ID, maskKey(k.APIKey))
	}
}

func printQuotas(w io.Writer, quotas []model.ModelQuota) {
	sort.Slice(quotas, func(i, j int) bool {
		if quotas[i].ProviderName != quotas[j].ProviderName {
			return quotas[i].ProviderName < quotas[j].ProviderName
		}
		return quotas[i].ModelName < quotas[j].ModelName
	})
	fmt.Fprintf(w, "%-20s %-30s %-8s %-8s %-8s\n", "PROVIDER", "MODEL", "USED", "LIMIT", "ENABLED")
	for _, q := range quotas {
		fmt.Fprintf(w, "%-20s %-30s %-8d %-8d %-8t\n", q.ProviderName, q.ModelName, q.QuotaUsed, q.QuotaLimit, q.Enabled)
	}
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage provider API keys",
}

var keysListCmd = &cobra.Command{
	Use:   "list [provider]",
	Short: "List keys per provider (secrets masked)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := timeout()
		defer cancel()
		db := mustDB()

		var providers []model.Provider
		if len(args) == 1 {
			id, err := db.ProviderID(ctx, args[0])
			if err != nil {
				log.Fatalf("Failed to find provider: %v", err)
			}
			providers = []model.Provider{{ID: id, Name: args[0]}}
		} else {
			var err error
			providers, err = db.ListProviders(ctx)
			if err != nil {
				log.Fatalf("Failed to list providers: %v", err)
			}
		}

		for _, p := range providers {
			keys, err := db.ListKeys(ctx, p.ID)
			if err != nil {
				log.Fatalf("Failed to list keys for %s: %v", p.Name, err)
			}
			printKeys(os.Stdout, p.Name, keys)
		}
	},
}

var keysAddCmd = &cobra.Command{
	Use:   "add provider api-key",
	Short: "Add a key; jobs waiting for a key on that provider are re-dispatched",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := timeout()
		defer cancel()
		rec, err := mustDB().AddKey(ctx, args[0], args[1])
		if err != nil {
			log.Fatalf("Failed to add key: %v", err)
		}
		fmt.Printf("Key #%d added to %s (id=%d)\n", rec.KeyNumber, args[0], rec.ID)
	},
}

var maintenanceCmd = &cobra.Command{
	Use:       "maintenance on|off|status",
	Short:     "Toggle or show maintenance mode",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off", "status"},
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := timeout()
		defer cancel()
		flag := redisutil.NewMaintenanceFlag(mustRedis(), cfg.MaintenanceKey)

		switch args[0] {
		case "on", "off":
			if err := flag.SetEnabled(ctx, args[0] == "on"); err != nil {
				log.Fatalf("Failed to set maintenance: %v", err)
			}
			if args[0] == "off" {
				fmt.Println("Maintenance off. The server resubmits the pending backlog on its next sweep.")
				return
			}
		}
		fmt.Printf("Maintenance: %v\n", flag.Enabled(ctx))
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue job-id",
	Short: "Push a job id onto the intake queue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := timeout()
		defer cancel()
		queue := redisutil.NewQueue(mustRedis(), cfg.JobQueueKey)
		position, err := queue.Enqueue(ctx, args[0])
		if err != nil {
			log.Fatalf("Failed to enqueue job: %v", err)
		}
		fmt.Printf("Job enqueued successfully: %s (queue %s, position %d)\n", args[0], queue.Name(), position)
	},
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show model quotas",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := timeout()
		defer cancel()
		quotas, err := mustDB().LoadQuotas(ctx)
		if err != nil {
			log.Fatalf("Failed to load quotas: %v", err)
		}
		printQuotas(os.Stdout, quotas)
	},
}

var showCmd = &cobra.Command{
	Use:   "show job-id",
	Short: "Show a job and its workflow execution",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := timeout()
		defer cancel()
		db := mustDB()

		job, err := db.GetJob(ctx, args[0])
		if err != nil {
			log.Fatalf("Failed to get job: %v", err)
		}
		fmt.Println("Job Details")
		fmt.Println(strings.Repeat("=", 80))
		fmt.Printf("%-20s %s\n", "ID:", job.JobID)
		fmt.Printf("%-20s %s\n", "Type:", job.JobType)
		fmt.Printf("%-20s %s\n", "Model:", job.Model)
		fmt.Printf("%-20s %s\n", "Status:", job.Status)
		if job.ProviderKey != nil {
			fmt.Printf("%-20s %s\n", "Provider:", *job.ProviderKey)
		}
		if job.BlockedByJobID != nil {
			fmt.Printf("%-20s %s\n", "Blocked By:", *job.BlockedByJobID)
		}
		if msg := job.ErrorText(); msg != "" {
			fmt.Printf("%-20s %s\n", "Error:", msg)
		}

		exec, err := db.GetExecutionByJob(ctx, job.JobID)
		if err != nil {
			log.Fatalf("Failed to get execution: %v", err)
		}
		if exec == nil {
			return
		}
		fmt.Println("\nWorkflow")
		fmt.Println(strings.Repeat("-", 80))
		fmt.Printf("%-20s %s\n", "Workflow:", exec.WorkflowID)
		fmt.Printf("%-20s %d/%d\n", "Step:", exec.CurrentStep, exec.TotalSteps)
		fmt.Printf("%-20s %s\n", "Status:", exec.Status)
		fmt.Printf("%-20s %d\n", "Retries:", exec.RetryCount)
		if exec.ErrorInfo != nil {
			fmt.Printf("%-20s %s (%s)\n", "Last Error:", exec.ErrorInfo.Error, exec.ErrorInfo.ErrorType)
		}
	},
}

func init() {
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysAddCmd)
	rootCmd.AddCommand(keysCmd)

	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(showCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
