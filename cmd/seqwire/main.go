// seqwire is a small CLI for running and exercising the reliable
// transport: a listening node, a one-shot sender, and a ping probe.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seqwire/seqwire/pkg/config"
	"github.com/seqwire/seqwire/pkg/logging"
	"github.com/seqwire/seqwire/pkg/transport"
	"github.com/seqwire/seqwire/pkg/udpchannel"
)

var (
	flagConfig   string
	flagListen   string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "seqwire",
		Short:         "reliable ordered delivery over UDP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&flagListen, "listen", "", "UDP listen address (overrides config)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(listenCmd(), sendCmd(), pingCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads config, applies flag overrides, and builds the logger and
// transport stack.
func setup() (*config.Config, *zap.Logger, *transport.Transport, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, nil, err
	}
	if flagListen != "" {
		cfg.ListenAddr = flagListen
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}

	log, err := logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		Rotate:     cfg.Log.Rotate,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	ch, err := udpchannel.Listen(cfg.ListenAddr, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	tcfg := cfg.TransportConfig()
	tcfg.Logger = log
	tr := transport.New(ch, tcfg)
	log.Info("channel ready", zap.String("addr", ch.LocalAddr().String()))
	return cfg, log, tr, nil
}

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "run a node that prints every delivered payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, tr, err := setup()
			if err != nil {
				return err
			}
			defer tr.Close()

			tr.OnSession(func(s *transport.Session) {
				log.Info("session opened", zap.String("peer", s.Peer()))
				s.OnReceive(func(payload []byte) {
					fmt.Printf("[%s] %s\n", s.Peer(), payload)
				})
			})

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			log.Info("shutting down")
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message>...",
		Short: "send one or more messages reliably to a peer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, tr, err := setup()
			if err != nil {
				return err
			}
			defer tr.Close()

			sess, err := tr.Open(args[0])
			if err != nil {
				return err
			}
			for _, msg := range args[1:] {
				if err := sess.Send([]byte(msg)); err != nil {
					return fmt.Errorf("send %q: %w", msg, err)
				}
			}
			info := sess.Info()
			log.Info("done",
				zap.Uint64("sent", info.Stats.SegsSent),
				zap.Uint64("retransmits", info.Stats.Retransmits),
				zap.Duration("srtt", info.SRTT))
			return sess.Close()
		},
	}
}

func pingCmd() *cobra.Command {
	var count int
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ping <peer>",
		Short: "measure round-trip time to a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, tr, err := setup()
			if err != nil {
				return err
			}
			defer tr.Close()

			sess, err := tr.Open(args[0])
			if err != nil {
				return err
			}
			var failures int
			for i := 0; i < count; i++ {
				rtt, err := sess.Ping(timeout)
				if err != nil {
					failures++
					fmt.Printf("ping %s: %v\n", args[0], err)
					continue
				}
				fmt.Printf("ping %s: rtt=%s\n", args[0], rtt)
				if i < count-1 {
					time.Sleep(time.Second)
				}
			}
			if failures == count {
				return fmt.Errorf("no reply from %s", args[0])
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 4, "number of probes")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "per-probe timeout")
	return cmd
}
