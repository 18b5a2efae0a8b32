package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dap-stream/dap-stream/internal/dapconfig"
	"github.com/dap-stream/dap-stream/internal/stream"
	"github.com/dap-stream/dap-stream/pkg/dapstream"
)

var (
	connectAddr      string
	connectChannels  string
	connectTransport []string
	connectTimeout   time.Duration
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Dial a server, open channels, and relay stdin/stdout",
	Long: `connect drives the handshake / session-create / streaming stage
chain against the configured server, then relays each line read from
stdin as a data packet on the first opened channel while printing every
packet received on any opened channel to stdout.`,
	RunE: runConnect,
}

func init() {
	cfg := dapconfig.Config{}
	cfg.SetDefaults()

	connectCmd.Flags().StringVar(&connectAddr, "addr", "", "server address (required)")
	connectCmd.Flags().StringVar(&connectChannels, "channels", "0", "channel ids to open, one character each")
	connectCmd.Flags().StringSliceVar(&connectTransport, "transport", cfg.DAPClient.FallbackOrder, "ordered transport fallback list")
	connectCmd.Flags().DurationVar(&connectTimeout, "timeout", 10*time.Second, "connect timeout")
	_ = connectCmd.MarkFlagRequired("addr")
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmdline *cobra.Command, args []string) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := dapstream.Dial(ctx,
		dapstream.WithAddr(connectAddr),
		dapstream.WithChannels(connectChannels),
		dapstream.WithFallbackOrder(connectTransport...),
		dapstream.WithConnectTimeout(connectTimeout),
		dapstream.WithLogger(log),
		dapstream.WithOnData(func(channel byte, pktType byte, data []byte) {
			fmt.Printf("[channel %c] %s\n", channel, string(data))
		}),
	)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	log.Info("dap-stream-client: streaming", "addr", connectAddr, "channels", connectChannels, "stage", client.CurrentStage().String())

	channels := []byte(connectChannels)
	if len(channels) == 0 {
		return fmt.Errorf("connect: --channels must not be empty")
	}
	primary := channels[0]

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := client.Write(ctx, primary, byte(stream.PacketData), []byte(line)); err != nil {
			log.Warn("dap-stream-client: write failed", "err", err)
		}
	}

	<-ctx.Done()
	return nil
}
