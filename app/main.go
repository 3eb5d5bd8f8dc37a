package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	ntf "github.com/go-pkgz/notify"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/trainq/app/conditions"
	"github.com/umputun/trainq/app/notify"
	"github.com/umputun/trainq/app/runner"
	"github.com/umputun/trainq/app/service"
	"github.com/umputun/trainq/app/store"
	"github.com/umputun/trainq/app/trainer"
	"github.com/umputun/trainq/app/web"
)

var opts struct {
	Dbg bool `long:"dbg" env:"TRAINQ_DEBUG" description:"debug mode"`

	Store struct {
		Type    string `long:"type" env:"TYPE" choice:"json" choice:"sqlite" default:"json" description:"job state backend"`
		File    string `long:"file" env:"FILE" default:"reports/trainer/jobs.json" description:"job state file"`
		Strict  bool   `long:"strict" env:"STRICT" description:"fail on corrupted state file instead of starting empty"`
		MaxLogs int    `long:"max-logs" env:"MAX_LOGS" default:"120" description:"log entries kept per job"`
	} `group:"store" namespace:"store" env-namespace:"TRAINQ_STORE"`

	Runner struct {
		Workers    int `long:"workers" env:"WORKERS" default:"0" description:"max concurrently running jobs, 0 for unlimited"`
		TraceLimit int `long:"trace-limit" env:"TRACE_LIMIT" default:"6000" description:"max failure trace size in bytes"`
	} `group:"runner" namespace:"runner" env-namespace:"TRAINQ_RUNNER"`

	Trainer struct {
		Command     string        `long:"command" env:"COMMAND" description:"trainer shell command, simulated training if empty"`
		Env         []string      `long:"env" env:"ENV" env-delim:";" description:"extra trainer environment, KEY=VALUE"`
		OutputLines int           `long:"output-lines" env:"OUTPUT_LINES" default:"100" description:"trainer output lines kept for failures"`
		StopDelay   time.Duration `long:"stop-delay" env:"STOP_DELAY" default:"5s" description:"wait for trainer output after stop"`
		SimSteps    int           `long:"sim-steps" env:"SIM_STEPS" default:"20" description:"steps of simulated training"`
		SimDelay    time.Duration `long:"sim-delay" env:"SIM_DELAY" default:"500ms" description:"delay between simulated steps"`
		Models      string        `long:"models" env:"MODELS" description:"yaml file with base model default and aliases"`
	} `group:"trainer" namespace:"trainer" env-namespace:"TRAINQ_TRAINER"`

	Conditions struct {
		CPUBelow      int           `long:"cpu-below" env:"CPU_BELOW" description:"start jobs only if cpu usage percent below"`
		MemoryBelow   int           `long:"memory-below" env:"MEMORY_BELOW" description:"start jobs only if memory usage percent below"`
		LoadAvgBelow  float64       `long:"load-below" env:"LOAD_BELOW" description:"start jobs only if 1m load average below"`
		DiskFreeAbove int           `long:"disk-free-above" env:"DISK_FREE_ABOVE" description:"start jobs only if free disk percent above"`
		DiskPath      string        `long:"disk-path" env:"DISK_PATH" default:"/" description:"path for disk check and health stats"`
		MaxPostpone   time.Duration `long:"max-postpone" env:"MAX_POSTPONE" default:"0s" description:"wait for conditions up to, fail right away if 0"`
		CheckInterval time.Duration `long:"check-interval" env:"CHECK_INTERVAL" default:"30s" description:"conditions check interval"`
	} `group:"conditions" namespace:"conditions" env-namespace:"TRAINQ_CONDITIONS"`

	Web struct {
		Address      string  `long:"address" env:"ADDRESS" default:":8080" description:"web server listen address"`
		PasswordHash string  `long:"password-hash" env:"PASSWORD_HASH" description:"bcrypt hash for basic auth"`
		AuthUser     string  `long:"auth-user" env:"AUTH_USER" default:"trainq" description:"basic auth user name"`
		SubmitRate   float64 `long:"submit-rate" env:"SUBMIT_RATE" default:"2" description:"max submissions per second per client, 0 to disable"`
	} `group:"web" namespace:"web" env-namespace:"TRAINQ_WEB"`

	Notify struct {
		EnabledError       bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable notifications on failed jobs"`
		EnabledCompletion  bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable notifications on completed jobs"`
		SMTPHost           string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort           int           `long:"smtp-port" env:"SMTP_PORT" description:"SMTP port"`
		SMTPUsername       string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword       string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS            bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPStartTLS       bool          `long:"smtp-starttls" env:"SMTP_STARTTLS" description:"enable SMTP StartTLS"`
		SMTPTimeOut        time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		FromEmail          string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails           []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		SlackToken         string        `long:"slack-token" env:"SLACK_TOKEN" description:"slack token"`
		SlackChannels      []string      `long:"slack-channel" env:"SLACK_CHANNEL" description:"slack channel(s)" env-delim:","`
		WebhookURLs        []string      `long:"webhook" env:"WEBHOOK" description:"webhook url(s)" env-delim:","`
		WebhookHeaders     []string      `long:"webhook-header" env:"WEBHOOK_HEADER" description:"webhook header, Name:value" env-delim:";"`
		WebhookTimeout     time.Duration `long:"webhook-timeout" env:"WEBHOOK_TIMEOUT" default:"10s" description:"webhook request timeout"`
		ErrorTemplate      string        `long:"err-template" env:"ERR_TEMPLATE" description:"error message template file"`
		CompletionTemplate string        `long:"complete-template" env:"COMPLETE_TEMPLATE" description:"completion message template file"`
		MaxTraceLines      int           `long:"max-trace" env:"MAX_TRACE" default:"50" description:"max trace lines in failure message"`
		HostName           string        `long:"host" env:"HOSTNAME" description:"host name running trainq"`
		Timeout            time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"notification timeout"`

		Repeater struct {
			Attempts int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"how many times to retry failed delivery"`
			Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial retry delay"`
			Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
			Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
		} `group:"repeater" namespace:"repeater" env-namespace:"REPEATER"`
	} `group:"notify" namespace:"notify" env-namespace:"TRAINQ_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"trainq.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of old log files to keep"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of old log files in days"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"compress rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"TRAINQ_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("trainq %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	logOut := setupLogs()
	setupLogger(logOut, opts.Dbg)

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx, logOut); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logOut io.Writer) error {
	backend, err := makeBackend()
	if err != nil {
		return err
	}
	st := store.New(backend, opts.Store.MaxLogs)
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("[WARN] can't close store: %v", err)
		}
	}()

	models, err := makeModels()
	if err != nil {
		return err
	}

	// jobs get their own context, running ones are interrupted on shutdown
	jobsCtx, jobsCancel := context.WithCancel(context.Background())
	defer jobsCancel()

	params := runner.Params{Store: st, Work: makeWork(logOut), Workers: opts.Runner.Workers,
		NotifyTimeout: opts.Notify.Timeout, TraceLimit: opts.Runner.TraceLimit}
	if n := makeNotifier(); n != nil {
		params.Notifier = n
	}
	jobRunner := runner.New(jobsCtx, params)
	if _, err := jobRunner.Recover(); err != nil {
		log.Printf("[WARN] can't recover interrupted jobs: %v", err)
	}

	svc := service.New(st, jobRunner, models)
	srv := web.New(web.Config{
		Service:      svc,
		Version:      revision,
		StateFile:    backend.String(),
		DiskPath:     opts.Conditions.DiskPath,
		AuthUser:     opts.Web.AuthUser,
		PasswordHash: opts.Web.PasswordHash,
		SubmitRate:   opts.Web.SubmitRate,
	})
	err = srv.Run(ctx, opts.Web.Address)

	log.Printf("[INFO] stopping running jobs")
	jobsCancel()
	jobRunner.Wait()
	return err
}

// namedBackend is a store backend reporting its location
type namedBackend interface {
	store.Backend
	String() string
}

func makeBackend() (namedBackend, error) {
	switch opts.Store.Type {
	case "sqlite":
		res, err := store.NewSQLite(opts.Store.File)
		if err != nil {
			return nil, fmt.Errorf("can't open sqlite store: %w", err)
		}
		return res, nil
	default:
		res, err := store.NewJSONFile(opts.Store.File, opts.Store.Strict)
		if err != nil {
			return nil, fmt.Errorf("can't open json store: %w", err)
		}
		return res, nil
	}
}

func makeModels() (*service.Models, error) {
	if opts.Trainer.Models == "" {
		return nil, nil
	}
	res, err := service.LoadModels(opts.Trainer.Models)
	if err != nil {
		return nil, fmt.Errorf("can't load models: %w", err)
	}
	return res, nil
}

func makeWork(logOut io.Writer) runner.Work {
	var work runner.Work
	if opts.Trainer.Command != "" {
		log.Printf("[INFO] trainer command: %s", opts.Trainer.Command)
		work = &trainer.Command{Command: opts.Trainer.Command, Env: opts.Trainer.Env, OutputLines: opts.Trainer.OutputLines,
			LogWriter: logOut, StopDelay: opts.Trainer.StopDelay}
	} else {
		log.Printf("[INFO] no trainer command, simulated training with %d steps", opts.Trainer.SimSteps)
		work = &trainer.Simulated{Steps: opts.Trainer.SimSteps, Delay: opts.Trainer.SimDelay}
	}

	cfg := makeConditions()
	if !cfg.Enabled() {
		return work
	}
	log.Printf("[INFO] jobs start on system conditions, max postpone %v", cfg.MaxPostpone)
	return &conditions.Guard{Next: work, Config: cfg, Checker: conditions.System{}}
}

func makeConditions() conditions.Config {
	res := conditions.Config{DiskFreePath: opts.Conditions.DiskPath, MaxPostpone: opts.Conditions.MaxPostpone,
		CheckInterval: opts.Conditions.CheckInterval}
	if v := opts.Conditions.CPUBelow; v > 0 {
		res.CPUBelow = &v
	}
	if v := opts.Conditions.MemoryBelow; v > 0 {
		res.MemoryBelow = &v
	}
	if v := opts.Conditions.LoadAvgBelow; v > 0 {
		res.LoadAvgBelow = &v
	}
	if v := opts.Conditions.DiskFreeAbove; v > 0 {
		res.DiskFreeAbove = &v
	}
	return res
}

func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion {
		return nil
	}

	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "trainq@" + makeHostName()
	}

	rptr := repeater.New(&strategy.Backoff{Repeats: opts.Notify.Repeater.Attempts, Duration: opts.Notify.Repeater.Duration,
		Factor: opts.Notify.Repeater.Factor, Jitter: opts.Notify.Repeater.Jitter})

	return notify.NewService(notify.Params{
		EnabledError:       opts.Notify.EnabledError,
		EnabledCompletion:  opts.Notify.EnabledCompletion,
		ErrorTemplate:      opts.Notify.ErrorTemplate,
		CompletionTemplate: opts.Notify.CompletionTemplate,
		HostName:           makeHostName(),
		MaxTraceLines:      opts.Notify.MaxTraceLines,
		Repeater:           rptr,
	}, notify.SendersParams{
		SMTP: ntf.SMTPParams{
			Host:        opts.Notify.SMTPHost,
			Port:        opts.Notify.SMTPPort,
			TLS:         opts.Notify.SMTPTLS,
			StartTLS:    opts.Notify.SMTPStartTLS,
			Username:    opts.Notify.SMTPUsername,
			Password:    opts.Notify.SMTPPassword,
			TimeOut:     opts.Notify.SMTPTimeOut,
			ContentType: "text/html",
		},
		FromEmail:      opts.Notify.FromEmail,
		ToEmails:       opts.Notify.ToEmails,
		SlackToken:     opts.Notify.SlackToken,
		SlackChannels:  opts.Notify.SlackChannels,
		WebhookURLs:    opts.Notify.WebhookURLs,
		WebhookHeaders: opts.Notify.WebhookHeaders,
		WebhookTimeout: opts.Notify.WebhookTimeout,
	})
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// setupLogs returns writer for logs and trainer output, rotated file if enabled
func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.EnabledCompress,
	}
}

func setupLogger(out io.Writer, dbg bool) {
	logOpts := []log.Option{log.Msec, log.LevelBraces, log.Out(out), log.Err(out)}
	if dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}
	log.Setup(logOpts...)
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] %s received, shutting down", strings.ToLower(sig.String()))
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
