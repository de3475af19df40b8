package cmd

import (
	"context"
	"fmt"
	u "net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tugdl/tug/internal/logx"
	"github.com/tugdl/tug/internal/output"
	"github.com/tugdl/tug/internal/scheduler"
	"github.com/tugdl/tug/internal/utils"
)

var (
	connections   int
	workers       int
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	keepPartial   bool
	debug         bool
	fileLog       bool

	globalHTTPConfig utils.HTTPClientConfig
)

var TugVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "tug",
	Short:   "Tug is a download manager with a one-shot CLI and a queue daemon",
	Version: TugVersion,
	Args:    cobra.MaximumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logx.Init(debug)
		if fileLog {
			f, err := os.OpenFile("tug.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return fmt.Errorf("error opening log file: %v", err)
			}
			logx.SetOutput(f)
		}
		if userAgent == "randomize" {
			userAgent = utils.GetRandomUserAgent()
		}
		// Proxy auth may arrive inside the URL; split it out for the client.
		if parsedProxy, err := u.Parse(proxyURL); err == nil && parsedProxy.User != nil && proxyUsername == "" {
			proxyUsername = parsedProxy.User.Username()
			if password, set := parsedProxy.User.Password(); set {
				proxyPassword = password
			}
			parsedProxy.User = nil
			proxyURL = parsedProxy.String()
		}
		globalHTTPConfig = utils.HTTPClientConfig{
			Timeout:       timeout,
			KATimeout:     kaTimeout,
			ProxyURL:      proxyURL,
			ProxyUsername: proxyUsername,
			ProxyPassword: proxyPassword,
			UserAgent:     userAgent,
			Headers:       utils.ParseHeaderArgs(headers),
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			cmd.Help()
			return
		}
		// A bare URL argument downloads with the kind inferred from the URL.
		runOneShot(buildJob(utils.DetectJobKind(args[0]), args[0], ""))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.IntVarP(&connections, "connections", "c", 8, "Number of connections per download")
	pf.IntVarP(&workers, "workers", "w", 1, "Number of downloads to run in parallel")
	pf.DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	pf.DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	pf.StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks one)")
	pf.StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	pf.StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	pf.StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	pf.StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	pf.BoolVar(&keepPartial, "keep-partial", false, "Leave partial output and temp segments on failure or cancel")
	pf.BoolVar(&debug, "debug", false, "Enable debug logging")
	pf.BoolVar(&fileLog, "file-log", false, "Write logs to tug.log instead of rendering the live display")

	rootCmd.AddCommand(
		newHTTPCmd(),
		newS3Cmd(),
		newGitCloneCmd(),
		newGDriveCmd(),
		newM3U8Cmd(),
		newYouTubeCmd(),
		newBatchCmd(),
		newCleanCmd(),
		newServeCmd(),
		newQueueCmd(),
	)
}

// buildJob assembles a one-shot job from the shared flags.
func buildJob(kind, url, outputPath string) *utils.Job {
	return &utils.Job{
		Kind:             kind,
		URL:              url,
		OutputPath:       outputPath,
		Connections:      connections,
		HTTPClientConfig: globalHTTPConfig,
		KeepPartial:      keepPartial,
		Metadata:         make(map[string]any),
	}
}

// runOneShot executes jobs in the foreground, with interrupts cancelling the
// context so partially written segments get cleaned up on the way out.
func runOneShot(jobs ...*utils.Job) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if !fileLog && !debug {
		logx.Quiet()
	}
	if err := scheduler.Run(ctx, jobs, workers, fileLog); err != nil {
		fmt.Println()
		output.PrintError("Encountered failed operation(s)")
		os.Exit(1)
	}
}
