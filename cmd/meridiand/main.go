// cmd/meridiand is the entrypoint for one cluster node.
//
// Configuration is flags/environment (no config file is read), so a
// single binary can serve any role in the cluster — directly adapted from
// the teacher's cmd/server/main.go (flag surface, graceful shutdown,
// background ticker), generalized from raw `flag` to cobra+viper so
// MERIDIAN_-prefixed environment variables can override the same
// settings (the rest of the pack's cobra-based daemons, e.g.
// getployz-ployz's cmd/ployzd, bind flags the same way).
//
// Example — single node:
//
//	meridiand --id node1 --addr :7100 --data-dir /var/meridian/node1
//
// Example — 3-node cluster:
//
//	meridiand --id node1 --addr :7100 --data-dir /tmp/n1 \
//	          --peers node2=localhost:7101,node3=localhost:7102
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"meridian/internal/api"
	"meridian/internal/auth"
	"meridian/internal/cluster"
	"meridian/internal/coordinator"
	"meridian/internal/transport"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("meridian")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "meridiand",
		Short: "Meridian coordinator core node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("id", "node1", "unique node identifier")
	flags.String("addr", ":7100", "listen address for peer RPC and admin HTTP (host:port)")
	flags.String("client-addr", ":7101", "listen address for client connections (host:port)")
	flags.String("auth-token", "", "shared token clients must present in AUTH; empty accepts any token")
	flags.String("data-dir", "", "directory for the WAL/snapshot store; empty disables durable storage")
	flags.String("peers", "", "comma-separated list of peer nodes: id=host:port")
	flags.Int("partitions", 0, "partition count (0 selects partition.DefaultCount)")
	flags.Int("backups", 1, "backup count per partition")
	flags.Int("vnodes", 150, "virtual nodes per member on the consistent-hash ring")
	flags.Bool("debug", false, "enable debug-level logging")

	_ = v.BindPFlags(flags)
	return cmd
}

func run(v *viper.Viper) error {
	logger, err := newLogger(v.GetBool("debug"))
	if err != nil {
		return fmt.Errorf("meridiand: build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	nodeID := v.GetString("id")
	addr := v.GetString("addr")

	node, err := coordinator.New(coordinator.Config{
		NodeID:         nodeID,
		Address:        addr,
		PartitionCount: v.GetInt("partitions"),
		BackupCount:    v.GetInt("backups"),
		Vnodes:         v.GetInt("vnodes"),
		DataDir:        v.GetString("data-dir"),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("meridiand: assemble coordinator: %w", err)
	}

	for _, peer := range parsePeers(v.GetString("peers")) {
		if err := node.Cluster.Join(peer); err != nil {
			logger.Warn("peer join failed", zap.String("nodeId", peer.ID), zap.Error(err))
		}
	}

	router := newRouter(node, logger)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	bgCtx, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	heartbeat := cluster.NewHeartbeat(node.Cluster, 5*time.Second, logger)
	go heartbeat.Run(bgCtx)
	go node.GC.Run(bgCtx)
	go node.Merkle.Run(bgCtx)
	go evictIdleConnsLoop(bgCtx, node)

	clientAddr := v.GetString("client-addr")
	clientListener, err := net.Listen("tcp", clientAddr)
	if err != nil {
		return fmt.Errorf("meridiand: listen client-addr: %w", err)
	}
	defer clientListener.Close() //nolint:errcheck
	go serveClients(bgCtx, clientListener, node, v.GetString("auth-token"), logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("nodeId", nodeID), zap.String("addr", addr), zap.String("clientAddr", clientAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("meridiand: server error: %w", err)
	case <-quit:
	}

	logger.Info("shutting down", zap.String("nodeId", nodeID))
	cancelBG()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	if node.Storage != nil {
		if err := node.Storage.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func parsePeers(raw string) []cluster.Node {
	if raw == "" {
		return nil
	}
	var nodes []cluster.Node
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		nodes = append(nodes, cluster.Node{ID: parts[0], Address: parts[1], IsAlive: true})
	}
	return nodes
}

// verifierFor builds the token verifier an operator configured:
// OpenVerifier (accepts any non-empty token) by default, or a
// StaticVerifier pinned to one token when --auth-token is set.
func verifierFor(token string) auth.Verifier {
	if token == "" {
		return auth.OpenVerifier{}
	}
	return auth.StaticVerifier{Token: token, Identity: auth.Identity{Roles: []string{"USER"}}}
}

// serveClients accepts client connections on l until ctx is canceled,
// spawning one coordinator.ConnHandler.Serve per connection (spec.md
// §1's message dispatcher, over the transport.TCPConn/JSONCodec
// reference implementation).
func serveClients(ctx context.Context, l net.Listener, node *coordinator.Context, authToken string, logger *zap.Logger) {
	handler := coordinator.NewConnHandler(node, verifierFor(authToken))

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		raw, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn("client accept error", zap.Error(err))
				return
			}
		}

		conn := transport.NewTCPConn(raw)
		connCtx, cancel := context.WithCancel(ctx)
		go func() {
			<-connCtx.Done()
			_ = conn.Close()
		}()

		go func() {
			defer cancel()
			handler.Serve(connCtx, conn, transport.JSONCodec{})
		}()
	}
}

func evictIdleConnsLoop(ctx context.Context, c *coordinator.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Conns.EvictIdle(time.Now().UnixMilli())
		}
	}
}

func newRouter(ctx *coordinator.Context, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.RequestLogger(logger), api.Recovery(logger))

	coordinator.NewClusterHandler(ctx).Register(router)
	coordinator.NewDebugHandler(ctx).Register(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"nodeId": ctx.Cluster.SelfID(), "status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
