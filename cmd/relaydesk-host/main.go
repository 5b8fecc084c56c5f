package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaydesk/host/internal/audit"
	"github.com/relaydesk/host/internal/config"
	"github.com/relaydesk/host/internal/connection"
	"github.com/relaydesk/host/internal/discovery"
	"github.com/relaydesk/host/internal/filetransfer"
	"github.com/relaydesk/host/internal/ipc"
	"github.com/relaydesk/host/internal/logging"
	"github.com/relaydesk/host/internal/mtls"
	"github.com/relaydesk/host/internal/overlay"
	"github.com/relaydesk/host/internal/recording"
	"github.com/relaydesk/host/internal/remote/clipboard"
	"github.com/relaydesk/host/internal/remote/desktop"
	"github.com/relaydesk/host/internal/rendezvous"
	"github.com/relaydesk/host/internal/secmem"
	"github.com/relaydesk/host/internal/servicebus"
	"github.com/relaydesk/host/internal/sessionbroker"
	"github.com/relaydesk/host/internal/userhelper"
	"github.com/relaydesk/host/internal/wire"
	"github.com/relaydesk/host/internal/workerpool"
)

var (
	version = "0.1.0"
	cfgFile string

	// Client-command flags, shared by connect/rdp/file-transfer/port-forward.
	dialAddr    string
	hostPubKey  string
	dialPassword string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "relaydesk-host",
	Short: "RelayDesk remote-desktop host daemon",
	Long:  `relaydesk-host runs the unattended remote-desktop host process and its companion CLI client commands.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the host daemon",
	Run: func(cmd *cobra.Command, args []string) {
		if isWindowsService() {
			if err := runAsService(startHost); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			return
		}
		if err := runHost(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

var enrollCmd = &cobra.Command{
	Use:   "enroll [id]",
	Short: "Generate (or confirm) this host's identity and numeric short ID",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		enrollHost(args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relaydesk-host v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check host status",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

var userHelperCmd = &cobra.Command{
	Use:   "user-helper",
	Short: "Run as a per-user session helper (started automatically by the system)",
	Long: `The user-helper runs in the logged-in user's session context and provides
desktop notifications, system tray icon, screen capture, clipboard access,
and the whiteboard overlay. It communicates with the root daemon via a
local IPC socket and has no direct network access.`,
	Run: func(cmd *cobra.Command, args []string) {
		runUserHelper()
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <id>",
	Short: "Open a headless remote-control session against a host",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmdConnect(args[0]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

var rdpCmd = &cobra.Command{
	Use:   "rdp <id>",
	Short: "Forward the local RDP port (3389) through a host",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmdPortForward(args[0], "RDP", 0); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

var portForwardCmd = &cobra.Command{
	Use:   "port-forward <id>:<host>:<port>",
	Short: "Forward a TCP port on a host through an encrypted session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, host, port, err := splitPortForwardArg(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := cmdPortForward(id, host, port); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

var (
	ftPush string
	ftPull string
	ftDir  string
)

var fileTransferCmd = &cobra.Command{
	Use:   "file-transfer <id>",
	Short: "Push or pull a single file through a host's file-transfer session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmdFileTransfer(args[0]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

var playCmd = &cobra.Command{
	Use:   "play <file>",
	Short: "Replay a recorded session to the terminal",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmdPlay(args[0]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/relaydesk/host.yaml)")

	for _, c := range []*cobra.Command{connectCmd, rdpCmd, portForwardCmd, fileTransferCmd} {
		c.Flags().StringVar(&dialAddr, "addr", "", "host:port to dial directly (bypasses rendezvous)")
		c.Flags().StringVar(&hostPubKey, "host-pubkey", "", "hex-encoded Ed25519 public key of the host being dialed")
		c.Flags().StringVar(&dialPassword, "password", "", "session password")
		c.MarkFlagRequired("addr")
		c.MarkFlagRequired("host-pubkey")
	}
	fileTransferCmd.Flags().StringVar(&ftPush, "push", "", "local file to upload")
	fileTransferCmd.Flags().StringVar(&ftPull, "pull", "", "remote path to download")
	fileTransferCmd.Flags().StringVar(&ftDir, "remote-dir", "", "remote directory the session starts in")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(userHelperCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(rdpCmd)
	rootCmd.AddCommand(portForwardCmd)
	rootCmd.AddCommand(fileTransferCmd)
	rootCmd.AddCommand(playCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	logFileFallback := false

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}
}

// hostComponents holds the running components created by runHost so that
// service wrappers (Windows SCM, etc.) can shut them down gracefully.
type hostComponents struct {
	mediators []*rendezvous.Mediator
	direct    *rendezvous.DirectListener
	presence  *rendezvous.PresenceWatcher
	scanner   *discovery.Scanner
	responder *discovery.Responder
	broker    *sessionbroker.Broker
	overlay   *overlay.Overlay
	pipeline  *desktop.Pipeline
	auditLog  *audit.Logger
	secret    *secmem.SecureString
	cancel    context.CancelFunc

	recorder   *recording.Recorder
	recordPath string
	cfg        *config.Config
	blocking   *workerpool.Pool
}

// shutdownHost gracefully stops every component runHost started.
func shutdownHost(comps *hostComponents) {
	if comps == nil {
		return
	}
	if comps.cancel != nil {
		comps.cancel()
	}
	for _, m := range comps.mediators {
		m.Stop()
	}
	if comps.direct != nil {
		comps.direct.Close()
	}
	if comps.presence != nil {
		comps.presence.Stop()
	}
	if comps.responder != nil {
		comps.responder.Close()
	}
	if comps.broker != nil {
		comps.broker.Close()
	}
	if comps.pipeline != nil {
		comps.pipeline.Close()
	}
	if comps.recorder != nil {
		if err := comps.recorder.Close(); err != nil {
			log.Warn("recorder close failed", "error", err)
		} else if comps.recorder.Frames() > 0 {
			archiveRecording(comps.cfg, comps.recordPath)
		}
	}
	if comps.auditLog != nil {
		comps.auditLog.Log(audit.EventAgentStop, "", nil)
		comps.auditLog.Close()
	}
	if comps.blocking != nil {
		comps.blocking.StopAccepting()
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		comps.blocking.Drain(drainCtx)
		cancel()
	}
	if comps.secret != nil {
		comps.secret.Zero()
	}
	logging.StopShipper()
}

// runHost is the console entrypoint: start every component, block until
// SIGINT/SIGTERM, shut down.
func runHost() error {
	comps, err := startHost()
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down host")
	shutdownHost(comps)
	log.Info("host stopped")
	return nil
}

// startHost loads configuration and brings up every configured component
// (C1-C10), returning the running components so the caller — console loop
// or Windows service wrapper — owns shutdown.
func startHost() (*hostComponents, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	initLogging(cfg)

	identity, err := wire.LoadOrCreateIdentity(cfg.KeypairPath, cfg.HostID)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if cfg.HostID == "" {
		cfg.HostID = identity.ID
		if err := config.SaveTo(cfg, cfgFile); err != nil {
			log.Warn("failed to persist generated host id", "error", err)
		}
	}

	secureSecret := secmem.NewSecureString(cfg.PasswordHash)

	if cfg.LogShippingURL != "" {
		logging.InitShipper(logging.ShipperConfig{
			ServerURL:   cfg.LogShippingURL,
			HostID:      cfg.HostID,
			HostVersion: version,
			MinLevel:    cfg.LogShippingLevel,
		})
	}

	var auditLog *audit.Logger
	if cfg.AuditEnabled {
		auditLog, err = audit.NewLogger(cfg)
		if err != nil {
			log.Error("audit logger init failed, continuing without audit log", "error", err)
		}
	}
	auditLog.Log(audit.EventAgentStart, "", map[string]any{"version": version, "hostId": cfg.HostID})

	log.Info("starting host", "version", version, "hostId", cfg.HostID, "rendezvous", cfg.RendezvousServers)

	ctx, cancel := context.WithCancel(context.Background())

	var comps hostComponents
	comps.auditLog = auditLog
	comps.cfg = cfg
	comps.secret = secureSecret
	comps.cancel = cancel

	bus := servicebus.New()
	var pipeline *desktop.Pipeline // assigned below; snapshot closures read it lazily
	bus.AddService("video", 8, 32, nil)
	bus.AddService("cursor_image", 0, 32, nil)
	bus.AddService("cursor_position", 0, 32, func(swap *servicebus.Subscriber) {
		if pipeline == nil {
			return
		}
		if x, y, ok := pipeline.CursorPosition(); ok {
			swap.Deliver(servicebus.Message{Payload: wire.CursorPosition{X: x, Y: y}})
		}
	})
	bus.AddService("clipboard", 0, 32, func(swap *servicebus.Subscriber) {
		content, err := clipboard.Get()
		if err != nil || content.Type != clipboard.ContentTypeText || content.Text == "" {
			return
		}
		swap.Deliver(servicebus.Message{Payload: wire.Clipboard{Text: content.Text}})
	})
	bus.AddService("audio", 8, 32, nil)

	clipboard.InitContext(clipboard.NewSystemClipboard())

	srv := connection.NewServer(bus)
	srv.Blocking = workerpool.New(8, 64)
	comps.blocking = srv.Blocking
	srv.LockScreen = lockScreen
	srv.SetClipboard = func(text string) {
		if err := clipboard.SetText(text); err != nil {
			log.Debug("clipboard apply failed", "error", err)
		}
	}
	srv.OnAuthResult = func(connID int32, ip string, ok bool, errMsg string) {
		auditLog.Log(audit.EventSessionAuth, "", map[string]any{
			"conn": connID, "ip": ip, "ok": ok, "error": errMsg,
		})
	}
	throttle := connection.NewThrottle()
	creds := connection.Credentials{Password: secureSecret.String(), TOTPSecret: cfg.TOTPSecret}
	defaultPerms := permissionsFromNames(cfg.DefaultPermissions)

	onPromote := func(conn net.Conn, secure bool, peerID string) {
		stream, _, err := wire.PerformHostHandshake(conn, identity)
		if err != nil {
			log.Warn("host handshake failed", "peer", peerID, "error", err)
			conn.Close()
			return
		}
		ip, _, _ := net.SplitHostPort(stream.RemoteAddr().String())
		if connection.IsBlocked(ip, cfg.IPBlocklist) {
			connection.RejectBlocked(stream)
			stream.Close()
			return
		}
		c := connection.New(srv.NextID(), stream, stream.RemoteAddr().String(), ip, srv)
		srv.Add(c)
		go connection.Serve(ctx, c, creds, throttle, defaultPerms)
	}

	for _, server := range cfg.RendezvousServers {
		m, err := rendezvous.New(rendezvous.Config{
			Server:    server,
			TCPPort:   cfg.RelayPort,
			Identity:  identity,
			UUID:      cfg.HostUUID,
			OnPromote: onPromote,
			NewID:     newShortID,
		})
		if err != nil {
			log.Error("rendezvous mediator init failed", "server", server, "error", err)
			continue
		}
		if err := m.Start(); err != nil {
			log.Error("rendezvous mediator start failed", "server", server, "error", err)
			continue
		}
		comps.mediators = append(comps.mediators, m)
	}

	if cfg.DirectServerEnabled {
		tlsCfg, err := mtls.BuildServerTLSConfig(cfg.DirectTLSCertPath, cfg.DirectTLSKeyPath, cfg.DirectTLSClientCA)
		if err != nil {
			log.Error("direct-access TLS config failed, direct listener disabled", "error", err)
		} else {
			direct, err := rendezvous.ListenDirect(cfg.DirectAccessPort, tlsCfg, onPromote)
			if err != nil {
				log.Error("direct-access listener failed", "error", err)
			} else {
				comps.direct = direct
				log.Info("direct-access listener started", "addr", direct.Addr())
			}
		}
	}

	if cfg.PresenceSidecarURL != "" {
		watcher := rendezvous.NewPresenceWatcher(cfg.PresenceSidecarURL, secureSecret.String(), func(resp rendezvous.OnlineResponse) {
			log.Debug("presence update received", "states", len(resp.States))
		})
		watcher.Start()
		comps.presence = watcher
	}

	if p, err := desktop.NewPipeline(desktop.PipelineConfig{
		DisplayIndex:   0,
		PreferHardware: true,
		UserQuality:    100,
		UserFPS:        30,
	}); err != nil {
		log.Warn("capture pipeline init failed, video service disabled", "error", err)
	} else {
		pipeline = p
		comps.pipeline = pipeline
		if videoSvc, ok := bus.Service("video"); ok {
			videoSvc.Run(ctx, func(ctx context.Context) error {
				frame, err := pipeline.Produce(ctx)
				if err != nil {
					return err
				}
				if frame == nil {
					return nil
				}
				videoSvc.Send(servicebus.Message{
					VideoFrame: true,
					Seq:        frame.Seq,
					Payload: wire.VideoFrame{
						Format:   frame.Codec,
						Data:     frame.Data,
						Width:    frame.Width,
						Height:   frame.Height,
						SentAtMs: frame.SentAtMs,
					},
				})
				return nil
			})
		}
		if cursorSvc, ok := bus.Service("cursor_position"); ok {
			var lastX, lastY int
			cursorSvc.Repeat(ctx, 33*time.Millisecond, func(ctx context.Context) error {
				x, y, visible := pipeline.CursorPosition()
				if !visible || (x == lastX && y == lastY) {
					return nil
				}
				lastX, lastY = x, y
				cursorSvc.Send(servicebus.Message{Payload: wire.CursorPosition{X: x, Y: y}})
				return nil
			})
		}
		// Feed the worst (highest-delay) viewer's measured latency into the
		// shared QualityController on the same cadence as the connection
		// heartbeat, per spec.md §5: one shared adaptive-quality instance,
		// driven by the single worst-connected viewer.
		go func() {
			ticker := time.NewTicker(connection.HeartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if delayMs, ok := srv.MaxTestDelayMs(); ok {
						pipeline.OnTestDelay(float64(delayMs))
					}
				}
			}
		}()
	}

	if cfg.RecordingEnabled {
		if err := os.MkdirAll(cfg.RecordingDir, 0700); err != nil {
			log.Warn("recording dir create failed, recording disabled", "dir", cfg.RecordingDir, "error", err)
		} else {
			recPath := filepath.Join(cfg.RecordingDir, fmt.Sprintf("session-%s.rdr", time.Now().Format("20060102-150405")))
			rec, err := recording.NewRecorder(recPath)
			if err != nil {
				log.Warn("recorder init failed", "path", recPath, "error", err)
			} else {
				comps.recorder = rec
				comps.recordPath = recPath
				if videoSvc, ok := bus.Service("video"); ok {
					// The recorder joins the video fan-out as a reserved
					// subscriber id so it sees exactly what viewers see.
					recSub := videoSvc.Subscribe(-1, true)
					go func() {
						for {
							select {
							case <-ctx.Done():
								return
							case msg := <-recSub.Video:
								if vf, ok := msg.Payload.(wire.VideoFrame); ok {
									if err := rec.Write(recording.FrameVideo, vf.Data); err != nil {
										log.Warn("recording write failed", "error", err)
									}
								}
							}
						}
					}()
				}
			}
		}
	}

	if clipSvc, ok := bus.Service("clipboard"); ok {
		var lastText string
		clipSvc.Repeat(ctx, 1*time.Second, func(ctx context.Context) error {
			content, err := clipboard.Get()
			if err != nil || content.Type != clipboard.ContentTypeText {
				return nil
			}
			if content.Text == "" || content.Text == lastText {
				return nil
			}
			lastText = content.Text
			clipSvc.Send(servicebus.Message{Payload: wire.Clipboard{Text: content.Text}})
			return nil
		})
	}

	if audioSvc, ok := bus.Service("audio"); ok {
		if capturer := desktop.NewAudioCapturer(); capturer != nil {
			frames := make(chan []byte, 16)
			if err := capturer.Start(func(frame []byte) {
				buf := make([]byte, len(frame))
				copy(buf, frame)
				select {
				case frames <- buf:
				default: // stale audio is dropped, never queued behind video
				}
			}); err != nil {
				log.Warn("audio capture start failed, audio service disabled", "error", err)
			} else {
				go func() {
					<-ctx.Done()
					capturer.Stop()
				}()
				audioSvc.Run(ctx, func(ctx context.Context) error {
					for {
						select {
						case <-ctx.Done():
							return nil
						case frame := <-frames:
							audioSvc.Send(servicebus.Message{Payload: wire.AudioFrame{
								Data:       frame,
								SampleRate: 8000,
								Channels:   1,
							}})
						}
					}
				})
			}
		}
	}

	if cfg.LANDiscoveryPort > 0 {
		responder, err := discovery.ListenPeers(discovery.PeerConfig{
			Port:   cfg.LANDiscoveryPort,
			HostID: cfg.HostID,
		})
		if err != nil {
			log.Warn("lan discovery responder failed", "port", cfg.LANDiscoveryPort, "error", err)
		} else {
			comps.responder = responder
		}

		scanner := discovery.NewScanner(discovery.ScanConfig{
			Methods:     []string{"arp", "ping"},
			Timeout:     2 * time.Second,
			Concurrency: 32,
		})
		comps.scanner = scanner
		go runDiscoveryLoop(ctx, scanner)
	}

	if cfg.UserHelperEnabled {
		closeRequested := make(chan struct{}, 1)
		dataHandler := &ipc.DataHandler{
			GetConfig: func(name string) string { return config.GetValue(cfg, name) },
			SetConfig: func(name, value string) {
				config.SetValue(cfg, name, value)
				if err := config.SaveTo(cfg, cfgFile); err != nil {
					log.Warn("config write via ipc failed to persist", "name", name, "error", err)
				}
			},
			GetOptions: func() map[string]string { return config.OptionsSnapshot(cfg) },
			SetOptions: func(opts map[string]string) {
				config.ApplyOptions(cfg, opts)
				if err := config.SaveTo(cfg, cfgFile); err != nil {
					log.Warn("options write via ipc failed to persist", "error", err)
				}
			},
			OnSwitchPermission: func(connID int32, name string, enabled bool) {
				apply := func(c *connection.Connection) {
					if err := c.ApplyPermission(name, enabled); err != nil {
						log.Warn("permission switch failed", "conn", c.ID, "permission", name, "error", err)
					}
					auditLog.Log(audit.EventPermissionChange, "", map[string]any{
						"conn": c.ID, "permission": name, "enabled": enabled,
					})
				}
				if connID == 0 {
					srv.Each(apply)
				} else if c, ok := srv.Get(connID); ok {
					apply(c)
				}
			},
			OnClose: func() {
				select {
				case closeRequested <- struct{}{}:
				default:
				}
			},
		}
		broker := sessionbroker.New(cfg.IPCSocketPath, func(session *sessionbroker.Session, env *ipc.Envelope) {
			if env.Type != ipc.TypeData {
				log.Debug("session broker message", "session", session.Info().SessionID, "type", env.Type)
				return
			}
			d, err := ipc.DataFromEnvelope(env)
			if err != nil {
				log.Warn("bad data envelope", "session", session.Info().SessionID, "error", err)
				return
			}
			if reply := dataHandler.Handle(d); reply != nil {
				if err := session.SendNotify(env.ID, ipc.TypeData, reply); err != nil {
					log.Warn("data reply send failed", "session", session.Info().SessionID, "error", err)
				}
			}
		})
		go func() {
			select {
			case <-closeRequested:
				log.Info("close requested over ipc, shutting down")
				p, _ := os.FindProcess(os.Getpid())
				p.Signal(syscall.SIGTERM)
			case <-ctx.Done():
			}
		}()
		stopCh := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(stopCh)
		}()
		go func() {
			if err := broker.Listen(stopCh); err != nil {
				log.Error("session broker stopped", "error", err)
			}
		}()
		comps.broker = broker

		srv.SetPrivacyMode = func(connID int32, on bool) error {
			if err := broker.SetPrivacyMode(connID, on); err != nil {
				return err
			}
			auditLog.Log(audit.EventPrivacyMode, "", map[string]any{"conn": connID, "on": on})
			return nil
		}
		srv.ReleasePrivacy = broker.ReleasePrivacyFor

		ov := overlay.New()
		if pipeline != nil {
			ov.SetDisplayBounds(pipeline.Dimensions())
		}
		if err := ov.Attach(bus); err != nil {
			log.Warn("overlay attach failed", "error", err)
		}
		comps.overlay = ov
	}

	log.Info("host is running")
	return &comps, nil
}

// runDiscoveryLoop re-scans the LAN every 5 minutes, logging what it finds.
// spec.md's Non-goals exclude a discovery UI; this just keeps the scanner
// exercised so an admin can wire a future inventory sink onto it.
func runDiscoveryLoop(ctx context.Context, scanner *discovery.Scanner) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		hosts, err := scanner.Scan()
		if err != nil {
			log.Warn("lan discovery scan failed", "error", err)
		} else {
			log.Info("lan discovery scan complete", "hosts", len(hosts))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func permissionsFromNames(names []string) wire.Permissions {
	var p wire.Permissions
	for _, n := range names {
		switch n {
		case "keyboard":
			p.Keyboard = true
		case "clipboard":
			p.Clipboard = true
		case "audio":
			p.Audio = true
		case "file":
			p.File = true
		case "recording":
			p.Recording = true
		case "restart":
			p.Restart = true
		}
	}
	return p
}

// archiveRecording ships a finished recording to the configured off-host
// backend. Object-store credentials come from each SDK's standard
// environment/instance chain; only what the chain can't provide is config.
func archiveRecording(cfg *config.Config, path string) {
	if cfg == nil || cfg.RecordingArchive == "" || path == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	key := filepath.Base(path)
	var (
		arch recording.Archiver
		err  error
	)
	switch cfg.RecordingArchive {
	case "s3":
		arch, err = recording.NewS3Archiver(ctx, cfg.RecordingBucket, cfg.RecordingRegion, "", "")
	case "azure":
		arch, err = recording.NewAzureArchiver(
			os.Getenv("AZURE_STORAGE_ACCOUNT_URL"),
			os.Getenv("AZURE_STORAGE_ACCOUNT"),
			os.Getenv("AZURE_STORAGE_KEY"),
			cfg.RecordingBucket,
		)
	case "gcs":
		arch, err = recording.NewGCSArchiver(ctx, cfg.RecordingBucket)
	case "b2":
		arch, err = recording.NewB2Archiver(ctx,
			os.Getenv("B2_ACCOUNT_ID"), os.Getenv("B2_APPLICATION_KEY"), cfg.RecordingBucket)
	case "http":
		arch = recording.NewHTTPArchiver(cfg.RecordingArchiveURL, os.Getenv("RELAYDESK_ARCHIVE_TOKEN"))
	default:
		log.Warn("unknown recording archive backend", "backend", cfg.RecordingArchive)
		return
	}
	if err != nil {
		log.Warn("recording archiver init failed", "backend", cfg.RecordingArchive, "error", err)
		return
	}
	if err := recording.ArchiveRecording(ctx, arch, path, key); err != nil {
		log.Warn("recording archive failed", "backend", cfg.RecordingArchive, "error", err)
		return
	}
	log.Info("recording archived", "backend", cfg.RecordingArchive, "key", key)
}

// lockScreen locks the local session, used when a connection with
// lock_after_session_end closes.
func lockScreen() {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32.exe", "user32.dll,LockWorkStation")
	case "darwin":
		cmd = exec.Command("/System/Library/CoreServices/Menu Extras/User.menu/Contents/Resources/CGSession", "-suspend")
	default:
		cmd = exec.Command("loginctl", "lock-session")
	}
	if err := cmd.Run(); err != nil {
		log.Warn("lock screen failed", "error", err)
	}
}

// newShortID allocates a fresh 9-digit numeric short ID, satisfying the
// rendezvous server's ^[0-9]{1,12}$ host id format (spec.md §4.1).
func newShortID() string {
	n, err := rand.Int(rand.Reader, big.NewInt(900_000_000))
	if err != nil {
		return "100000000"
	}
	return strconv.FormatInt(n.Int64()+100_000_000, 10)
}

// enrollHost generates (or confirms) this host's Ed25519 identity and
// persists its numeric short ID into the config.
func enrollHost(id string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		cfg = config.Default()
	}

	identity, err := wire.LoadOrCreateIdentity(cfg.KeypairPath, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create identity: %v\n", err)
		os.Exit(1)
	}

	cfg.HostID = identity.ID
	if cfg.HostUUID == "" {
		cfg.HostUUID = newShortID() + newShortID()
	}

	if err := config.SaveTo(cfg, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to save config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Enrollment successful.")
	fmt.Printf("Host ID: %s\n", cfg.HostID)
	fmt.Printf("Public key: %s\n", hex.EncodeToString(identity.PublicKey))
	fmt.Println("Run 'relaydesk-host run' to start the host.")
}

func checkStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println("Status: not configured")
		return
	}
	if cfg.HostID == "" {
		fmt.Println("Status: not enrolled")
		return
	}
	fmt.Println("Status: enrolled")
	fmt.Printf("Host ID: %s\n", cfg.HostID)
	fmt.Printf("Rendezvous servers: %v\n", cfg.RendezvousServers)
	fmt.Printf("Direct access: %v (port %d)\n", cfg.DirectServerEnabled, cfg.DirectAccessPort)
	fmt.Printf("Recording: %v\n", cfg.RecordingEnabled)
}

// runUserHelper starts the per-user session helper process.
func runUserHelper() {
	logging.Init("text", "info", os.Stdout)

	socketPath := ipc.DefaultSocketPath()
	if cfgFile != "" {
		if cfg, err := config.Load(cfgFile); err == nil && cfg.IPCSocketPath != "" {
			socketPath = cfg.IPCSocketPath
		}
	}

	log.Info("starting user helper", "version", version, "socket", socketPath, "pid", os.Getpid())

	client := userhelper.New(socketPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down user helper")
		client.Stop()
	}()

	if err := client.Run(); err != nil {
		log.Error("user helper error", "error", err)
		os.Exit(1)
	}
	log.Info("user helper stopped")
}

// splitPortForwardArg parses "id:host:port" into its three parts.
func splitPortForwardArg(arg string) (id, host string, port int, err error) {
	parts := strings.SplitN(arg, ":", 3)
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("expected <id>:<host>:<port>, got %q", arg)
	}
	port, err = strconv.Atoi(parts[2])
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid port %q: %w", parts[2], err)
	}
	return parts[0], parts[1], port, nil
}

// dialAndHandshake dials addr directly and completes the peer-side wire
// handshake against the host's known public key. Rendezvous-based dial
// resolution (punch-hole/relay from an <id>) is out of scope for this CLI
// client; --addr/--host-pubkey are the supported way to reach a host until
// a client-side mediator dialer is built.
func dialAndHandshake(addr, pubKeyHex string) (*wire.Conn, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid --host-pubkey: %w", err)
	}
	raw, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	conn, err := wire.PerformPeerHandshake(raw, pub)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return conn, nil
}

// clientLogin receives the host's Hash challenge, computes the password
// response and sends a LoginRequest, returning the host's LoginResponse.
func clientLogin(conn *wire.Conn, connType wire.ConnType, password string, mutate func(*wire.LoginRequest)) (*wire.LoginResponse, error) {
	env, err := conn.Recv()
	if err != nil {
		return nil, fmt.Errorf("recv hash: %w", err)
	}
	if env.Type != wire.TypeHash {
		return nil, fmt.Errorf("expected hash, got %s", env.Type)
	}
	var h wire.Hash
	if err := wire.Unmarshal(env, &h); err != nil {
		return nil, err
	}

	req := wire.LoginRequest{ConnType: connType, PasswordHash: connection.PasswordHash(password, h.Salt, h.Challenge)}
	if mutate != nil {
		mutate(&req)
	}
	if err := conn.SendTyped(wire.TypeLoginRequest, &req); err != nil {
		return nil, fmt.Errorf("send login: %w", err)
	}

	env, err = conn.Recv()
	if err != nil {
		return nil, fmt.Errorf("recv login response: %w", err)
	}
	if env.Type != wire.TypeLoginResponse {
		return nil, fmt.Errorf("expected login_response, got %s", env.Type)
	}
	var resp wire.LoginResponse
	if err := wire.Unmarshal(env, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return &resp, fmt.Errorf("login rejected: %s", resp.Error)
	}
	return &resp, nil
}

// cmdConnect opens a headless remote-control session: full viewer rendering
// is outside the system's scope (spec.md Non-goals), so this prints frame
// and input-event traffic as it arrives until interrupted.
func cmdConnect(id string) error {
	conn, err := dialAndHandshake(dialAddr, hostPubKey)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := clientLogin(conn, wire.ConnTypeRemote, dialPassword, nil); err != nil {
		return err
	}
	fmt.Printf("Connected to %s (%s)\n", id, dialAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		env, err := conn.Recv()
		if err != nil {
			return nil
		}
		switch env.Type {
		case wire.TypeVideoFrame:
			var vf wire.VideoFrame
			if wire.Unmarshal(env, &vf) == nil {
				fmt.Printf("frame: %s %dx%d %d bytes\n", vf.Format, vf.Width, vf.Height, len(vf.Data))
			}
		default:
			fmt.Printf("recv: %s\n", env.Type)
		}
	}
}

// cmdPortForward bridges a local TCP listener to a host's dialed target,
// reusing the same PortForwardData chunk relay the host's connection state
// machine speaks for both ConnTypePortForward and ConnTypeRDP.
func cmdPortForward(id, host string, port int) error {
	conn, err := dialAndHandshake(dialAddr, hostPubKey)
	if err != nil {
		return err
	}
	defer conn.Close()

	connType := wire.ConnTypePortForward
	if host == "RDP" {
		connType = wire.ConnTypeRDP
	}
	if _, err := clientLogin(conn, connType, dialPassword, func(r *wire.LoginRequest) {
		r.Host = host
		r.Port = port
	}); err != nil {
		return err
	}

	localPort := port
	if localPort == 0 {
		localPort = 3389
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return fmt.Errorf("local listen: %w", err)
	}
	defer listener.Close()
	fmt.Printf("Forwarding 127.0.0.1:%d -> %s on %s\n", localPort, connection.FormatAddr(host, port), id)

	local, err := listener.Accept()
	if err != nil {
		return err
	}
	defer local.Close()

	errCh := make(chan error, 2)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := local.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if sendErr := conn.SendTyped(wire.TypePortForwardData, &wire.PortForwardData{Data: chunk}); sendErr != nil {
					errCh <- sendErr
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()
	go func() {
		for {
			env, err := conn.Recv()
			if err != nil {
				errCh <- err
				return
			}
			if env.Type != wire.TypePortForwardData {
				continue
			}
			var pfd wire.PortForwardData
			if wire.Unmarshal(env, &pfd) == nil {
				if _, err := local.Write(pfd.Data); err != nil {
					errCh <- err
					return
				}
			}
		}
	}()
	return <-errCh
}

// cmdFileTransfer pushes or pulls exactly one file through a ConnTypeFile
// session, using FileAction for control and FileTransferBlock messages for
// the raw bytes.
func cmdFileTransfer(id string) error {
	if ftPush == "" && ftPull == "" {
		return fmt.Errorf("one of --push or --pull is required")
	}

	conn, err := dialAndHandshake(dialAddr, hostPubKey)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := clientLogin(conn, wire.ConnTypeFile, dialPassword, func(r *wire.LoginRequest) {
		r.Dir = ftDir
	}); err != nil {
		return err
	}

	if ftPush != "" {
		return pushFile(conn, ftPush)
	}
	return pullFile(conn, ftPull)
}

func pushFile(conn *wire.Conn, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	digest, err := filetransfer.DigestFor(localPath)
	if err != nil {
		return err
	}

	// Announce the file; the host answers with skip, a resume offset, or
	// (when the destination differs) its own digest for the user to decide.
	remotePath := filepath.Join(ftDir, filepath.Base(localPath))
	if err := conn.SendTyped(wire.TypeFileAction, &wire.FileAction{
		Action: "send_digest", JobID: 1, Path: remotePath, Digest: &digest,
	}); err != nil {
		return err
	}

	var offset int64
	for {
		env, err := conn.Recv()
		if err != nil {
			return err
		}
		if env.Type == wire.TypeFileResponse {
			var fr wire.FileResponse
			if wire.Unmarshal(env, &fr) == nil {
				if fr.Error != "" {
					return fmt.Errorf("push rejected: %s", fr.Error)
				}
				// Destination exists with different content; overwrite.
				break
			}
			continue
		}
		if env.Type != wire.TypeFileAction {
			continue
		}
		var fa wire.FileAction
		if wire.Unmarshal(env, &fa) != nil || fa.Action != "send_confirm" {
			continue
		}
		if fa.Skip {
			// Zero bytes travel, but the job still closes with the same
			// write_done/done round trip a written file gets.
			if err := conn.SendTyped(wire.TypeFileAction, &wire.FileAction{
				Action: "write_done", JobID: 1, ModifiedTime: digest.LastModified,
			}); err != nil {
				return err
			}
			if err := awaitDone(conn); err != nil {
				return err
			}
			fmt.Printf("Skipped %s (identical on host)\n", localPath)
			return nil
		}
		offset = fa.Offset
		break
	}

	if err := conn.SendTyped(wire.TypeFileAction, &wire.FileAction{
		Action: "new_write", JobID: 1, Path: remotePath, Offset: offset,
	}); err != nil {
		return err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, 0); err != nil {
			return err
		}
	}

	buf := make([]byte, filetransfer.BlockSize)
	reader := bufio.NewReader(f)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			blk := filetransfer.MakeBlock(1, 0, chunk)
			if sendErr := conn.SendTyped(wire.TypeFileBlock, &blk); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	if err := conn.SendTyped(wire.TypeFileAction, &wire.FileAction{
		Action: "write_done", JobID: 1, ModifiedTime: digest.LastModified,
	}); err != nil {
		return err
	}
	if err := awaitDone(conn); err != nil {
		return err
	}
	fmt.Printf("Pushed %s -> %s\n", localPath, remotePath)
	return nil
}

// awaitDone blocks until the host acknowledges the finished file with its
// done reply, surfacing any FileResponse error instead.
func awaitDone(conn *wire.Conn) error {
	for {
		env, err := conn.Recv()
		if err != nil {
			return err
		}
		switch env.Type {
		case wire.TypeFileAction:
			var fa wire.FileAction
			if wire.Unmarshal(env, &fa) == nil && fa.Action == "done" {
				return nil
			}
		case wire.TypeFileResponse:
			var fr wire.FileResponse
			if wire.Unmarshal(env, &fr) == nil && fr.Error != "" {
				return fmt.Errorf("transfer failed: %s", fr.Error)
			}
		}
	}
}

func pullFile(conn *wire.Conn, remotePath string) error {
	localPath := filepath.Join(".", filepath.Base(remotePath))
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := conn.SendTyped(wire.TypeFileAction, &wire.FileAction{Action: "new_read", JobID: 1, Path: remotePath}); err != nil {
		return err
	}

	var written int64
	for {
		env, err := conn.Recv()
		if err != nil {
			return err
		}
		switch env.Type {
		case wire.TypeFileBlock:
			var blk wire.FileTransferBlock
			if err := wire.Unmarshal(env, &blk); err != nil {
				return err
			}
			data, err := filetransfer.BlockPayload(&blk, 0)
			if err != nil {
				return err
			}
			if _, err := f.Write(data); err != nil {
				return err
			}
			written += int64(len(data))
		case wire.TypeFileAction:
			var fa wire.FileAction
			if err := wire.Unmarshal(env, &fa); err != nil {
				return err
			}
			if fa.Action == "read_done" {
				f.Close()
				if fa.ModifiedTime > 0 {
					mt := time.Unix(fa.ModifiedTime, 0)
					os.Chtimes(localPath, mt, mt)
				}
				fmt.Printf("Pulled %s -> %s (%d bytes)\n", remotePath, localPath, written)
				return nil
			}
		case wire.TypeFileResponse:
			var fr wire.FileResponse
			if err := wire.Unmarshal(env, &fr); err == nil && fr.Error != "" {
				return fmt.Errorf("pull failed: %s", fr.Error)
			}
		}
	}
}

// cmdPlay replays a recorded session, printing each frame's kind and size.
// The recording/replay GUI is out of scope; this gives operators a way to
// sanity-check a capture from the command line.
func cmdPlay(path string) error {
	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(stop)
	}()

	count := 0
	err := recording.Play(path, func(fr recording.Frame) error {
		count++
		fmt.Printf("frame %d: kind=%v bytes=%d\n", count, fr.Kind, len(fr.Payload))
		return nil
	}, stop)
	if err != nil {
		return err
	}
	fmt.Printf("Played %d frames from %s\n", count, path)
	return nil
}
