// Package pageglot is the orchestration core of a page translation engine:
// durable, restart-safe agent loops that plan, translate, and proofread the
// text blocks of a web page.
//
// PageGlot is modular and storage-agnostic (Postgres, Badger, or in-memory
// behind one driver interface), and is designed around a hard constraint:
// the process can die at any moment, and a new one must resume every job
// from the persisted state alone.
//
// # Key Features
//
//   - Three durable agent loops per job (planning, execution, proofreading)
//     with per-loop guard budgets and restart-safe progress counters
//   - Tool engine with JSON Schema validation, idempotent replay,
//     queue-depth backpressure, and debounced coalescing
//   - Job scheduler with leases, classified retries with jittered backoff,
//     and a progress watchdog
//   - Out-of-process model worker transport with a durable in-flight table:
//     restarts re-attach to running requests and adopt finished results
//   - Event bus, lifecycle hooks, and optional Prometheus metrics
//
// # Quick Start
//
// Create a client over a storage driver and the worker transport:
//
//	drv := pgxv5.New(pool)
//	client, err := pageglot.NewClient(drv, pageglot.Config{
//	    Dial: wsport.Dialer("ws://127.0.0.1:8787/port", nil),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(ctx)
//
// Run a translation job:
//
//	job, _ := client.StartJob(ctx, pageglot.StartJobParams{
//	    TabID:      7,
//	    URL:        "https://example.com/docs",
//	    TargetLang: "de",
//	})
//
//	// The page scan arrives from the content script:
//	client.SubmitScan(ctx, job.JobID, pageglot.ScanResult{Blocks: blocks})
//
//	// If the planner asks the user which categories to translate:
//	client.SetSelectedCategories(ctx, job.JobID, []string{"main_content"})
//
// The job worker steps the job in the background; watch progress through
// UIPatch snapshots or the job_transition topic on client.Bus().
//
// # Custom Tools
//
// Register additional tools next to the built-in set:
//
//	def := tool.Definition{
//	    Name:        "glossary.lookup",
//	    Description: "Look up a term in the project glossary",
//	    Parameters:  schema,
//	    Handler: func(ctx context.Context, inv tool.Invocation) (any, error) {
//	        // Tool implementation
//	        return map[string]string{"cache": "Zwischenspeicher"}, nil
//	    },
//	}
//
//	client, _ := pageglot.NewClient(drv, cfg, pageglot.WithTools(def))
//
// # Settings
//
// Behavior is tuned per browser profile through the persisted settings
// document: performance profile (eco, balanced, max), target language,
// model routing tiers, streaming, and proofreading. Writes are partial
// patches:
//
//	client.UpdateSettings(ctx, map[string]any{
//	    "profile":    "max",
//	    "targetLang": "fr",
//	})
//
// # Restart Safety
//
// Every piece of loop state a resumed process needs is persisted in the job
// record before the step that uses it: loop counters, the model response
// chain, pending tool acknowledgements, and idempotency caches. The
// in-flight table pins outstanding worker requests; Start reconciles it
// against the worker, adopting results computed while the orchestrator was
// down. Tool calls replay from durable caches instead of re-executing, and
// a per-step lease plus watchdog recovers jobs owned by a dead instance.
package pageglot
