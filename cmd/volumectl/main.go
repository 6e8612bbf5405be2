// Command volumectl is an operator CLI for a standalone svoengine volume:
// inspect memory/occupancy stats, dump a serialized volume's header, replay
// a delta file against a live volume, and issue or revoke authority grants.
// It follows the teacher's cobra-root shape (cmd/arx/main.go) trimmed to
// this engine's own surface — no building/equipment domain, no daemon mode.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arxos/svoengine/internal/config"
	"github.com/arxos/svoengine/internal/logger"
	"github.com/arxos/svoengine/internal/metrics"
	"github.com/arxos/svoengine/internal/octree"
	"github.com/arxos/svoengine/internal/volume"
)

var (
	cfgPath string
	log     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "volumectl",
	Short: "Operate on svoengine volumes",
	Long: `volumectl inspects and manipulates serialized SVO+SDF volumes:
memory stats, delta replay, and network authority grants.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		l, err := logger.New(cfg.Logging.Level, cfg.Logging.Development)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		log = logger.Component(l, "volumectl")
		loadedConfig = cfg
		return nil
	},
}

// loadedConfig is set by PersistentPreRunE so subcommands can reuse it
// without re-reading the config file.
var loadedConfig *config.Config

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to svoengine config file")
	rootCmd.AddCommand(statsCmd, dumpCmd, replayDeltaCmd, authorityCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "volumectl:", err)
		os.Exit(1)
	}
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print memory and occupancy stats for a freshly initialized volume",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := metrics.NewUnregistered()
		v, err := volume.Initialize(loadedConfig, reg, log)
		if err != nil {
			return fmt.Errorf("initialize volume: %w", err)
		}
		s := v.MemoryStats()
		fmt.Printf("total_bytes=%d used_bytes=%d block_count=%d fragmentation_ratio=%.4f\n",
			s.TotalBytes, s.UsedBytes, s.BlockCount, s.FragmentationRatio)
		return nil
	},
}

var dumpPath string

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the header of a serialized volume stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dumpPath == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(dumpPath)
		if err != nil {
			return fmt.Errorf("read %s: %w", dumpPath, err)
		}
		if len(data) < 22 {
			return fmt.Errorf("stream too short to contain a header: %d bytes", len(data))
		}
		magic := data[0:4]
		formatVersion := binary.LittleEndian.Uint16(data[4:6])
		mode := data[6]
		compression := data[7]
		volumeVersion := binary.LittleEndian.Uint64(data[8:16])
		materialCount := binary.LittleEndian.Uint32(data[16:20])
		fmt.Printf("magic=%q format_version=%d mode=%d compression=%d volume_version=%d materials=%d\n",
			magic, formatVersion, mode, compression, volumeVersion, materialCount)
		return nil
	},
}

var (
	replayFile    string
	replayVersion uint64
)

var replayDeltaCmd = &cobra.Command{
	Use:   "replay-delta",
	Short: "Apply a delta file against a freshly initialized volume",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayFile == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(replayFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", replayFile, err)
		}
		reg := metrics.NewUnregistered()
		v, err := volume.Initialize(loadedConfig, reg, log)
		if err != nil {
			return fmt.Errorf("initialize volume: %w", err)
		}
		applied, err := v.ApplyNetworkDelta(data, replayVersion)
		if err != nil {
			return fmt.Errorf("apply delta: %w", err)
		}
		fmt.Printf("applied=%v\n", applied)
		return nil
	},
}

var authorityCmd = &cobra.Command{
	Use:   "authority",
	Short: "Issue or revoke network authority grants",
}

var (
	grantClient string
	grantZone   uint32
	grantTTL    time.Duration
)

var authorityGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Issue a signed authority token for a client over a zone",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := metrics.NewUnregistered()
		v, err := volume.Initialize(loadedConfig, reg, log)
		if err != nil {
			return fmt.Errorf("initialize volume: %w", err)
		}
		zones := []octree.NodeIndex{octree.NodeIndex(grantZone)}
		token, err := v.Network().IssueAuthorityToken(grantClient, zones, time.Now().Add(grantTTL))
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

var (
	revokeClient string
	revokeZone   uint32
)

var authorityRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke a client's authority grant over a zone",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := metrics.NewUnregistered()
		v, err := volume.Initialize(loadedConfig, reg, log)
		if err != nil {
			return fmt.Errorf("initialize volume: %w", err)
		}
		v.Network().RevokeAuthority(revokeClient, []octree.NodeIndex{octree.NodeIndex(revokeZone)})
		fmt.Println("revoked")
		return nil
	},
}

func init() {
	dumpCmd.Flags().StringVar(&dumpPath, "file", "", "path to a serialized volume stream")

	replayDeltaCmd.Flags().StringVar(&replayFile, "file", "", "path to a delta stream produced by generate_network_delta")
	replayDeltaCmd.Flags().Uint64Var(&replayVersion, "current-version", 0, "the destination zone's current version")

	authorityGrantCmd.Flags().StringVar(&grantClient, "client", "", "client id to grant authority to")
	authorityGrantCmd.Flags().Uint32Var(&grantZone, "zone", 0, "zone (octree node index) to grant")
	authorityGrantCmd.Flags().DurationVar(&grantTTL, "ttl", time.Minute, "grant lifetime")

	authorityRevokeCmd.Flags().StringVar(&revokeClient, "client", "", "client id to revoke")
	authorityRevokeCmd.Flags().Uint32Var(&revokeZone, "zone", 0, "zone (octree node index) to revoke")

	authorityCmd.AddCommand(authorityGrantCmd, authorityRevokeCmd)
}
