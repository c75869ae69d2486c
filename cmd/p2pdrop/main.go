// p2pdrop: CLI entry point.
//
// Sends a file directly to another device over a WebRTC DataChannel. A
// signaling relay (WebSocket) or a Redis server is only used to find the peer
// and negotiate the connection; file bytes travel peer to peer.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-mode, -file, -peer, -code, -out, -signal, -redis).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/p2pdrop/internal/config"
	"github.com/1ureka/p2pdrop/internal/discovery"
	"github.com/1ureka/p2pdrop/internal/identity"
	"github.com/1ureka/p2pdrop/internal/session"
	sig "github.com/1ureka/p2pdrop/internal/signaling"
	"github.com/1ureka/p2pdrop/internal/transfer"
	"github.com/1ureka/p2pdrop/internal/transport"
	"github.com/1ureka/p2pdrop/internal/util"
)

var version = "dev"

// maxSaveAttempts bounds the " (n)" suffixes tried for a received file.
const maxSaveAttempts = 1000

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Load()

	// CLI flags.
	mode := flag.String("mode", "", "Mode: receive, send or discover")
	filePath := flag.String("file", "", "File to send (send only)")
	peerID := flag.String("peer", "", "Target device id (send only)")
	code := flag.String("code", "", "Target rendezvous code (send only)")
	outDir := flag.String("out", ".", "Directory for received files (receive only)")
	signalURL := flag.String("signal", cfg.SignalURL, "Signaling relay URL, e.g. ws://localhost:8080")
	token := flag.String("token", cfg.RelayToken, "Bearer token for the relay")
	redisAddr := flag.String("redis", cfg.RedisAddr, "Redis address used as signaling bus when -signal is empty")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg.Mode = config.Mode(*mode)
	cfg.SignalURL = *signalURL
	cfg.RelayToken = *token
	cfg.RedisAddr = *redisAddr
	cfg.Debug = *debugMode

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("p2pdrop — v%s", version))
	pterm.Println()

	s, closeSession, err := openSession(ctx, cfg)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer closeSession()

	switch cfg.Mode {
	case "":
		// No -mode flag → interactive mode.
		err = runInteractive(ctx, s, *outDir)
	case config.ModeReceive:
		err = runReceive(ctx, s, *outDir)
	case config.ModeSend:
		if *filePath == "" {
			util.LogError("missing -file for send mode")
			os.Exit(1)
		}
		if *peerID == "" && *code == "" {
			util.LogError("send mode needs -peer or -code")
			os.Exit(1)
		}
		err = runSend(ctx, s, *filePath, *peerID, *code)
	case config.ModeDiscover:
		err = runDiscover(ctx, s)
	default:
		util.LogError("invalid -mode: must be 'receive', 'send' or 'discover'")
		os.Exit(1)
	}

	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Setup
// ---------------------------------------------------------------------------

// openSession loads the device identity, connects the signaling bus and starts
// a session.
func openSession(ctx context.Context, cfg *config.Config) (*session.Session, func(), error) {
	store, err := identity.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("identity store: %w", err)
	}
	id := identity.New(store, cfg.DeviceHint)

	bus, err := dialBus(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	var pionOpts []transport.PionOption
	if cfg.ICELoopback {
		pionOpts = append(pionOpts, transport.WithLoopback())
	}
	factory := transport.NewPionFactory(cfg.ICEServers, pionOpts...)
	s := session.New(id.Device(), bus, factory, session.Options{
		ChunkSize:        cfg.ChunkSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
		DiscoveryWindow:  cfg.DiscoveryWindow,
		CodeTimeout:      cfg.CodeTimeout,
	})
	if !s.Supported() {
		_ = bus.Close()
		return nil, nil, fmt.Errorf("direct transfer unavailable on this machine; share a download link instead")
	}
	if err := s.Start(ctx); err != nil {
		_ = bus.Close()
		return nil, nil, fmt.Errorf("start session: %w", err)
	}

	pterm.Info.Println(fmt.Sprintf("This device: %s — code %s", id.DeviceName(), s.Code()))
	pterm.Println()

	return s, func() {
		_ = s.Close()
		_ = bus.Close()
	}, nil
}

func dialBus(ctx context.Context, cfg *config.Config) (sig.Bus, error) {
	switch {
	case cfg.SignalURL != "":
		wsURL, err := normalizeWSURL(cfg.SignalURL)
		if err != nil {
			return nil, err
		}
		bus, err := sig.DialWS(ctx, wsURL, cfg.RelayToken)
		if err != nil {
			return nil, fmt.Errorf("connect to relay: %w", err)
		}
		util.LogInfo("Connected to relay %s", wsURL)
		return bus, nil
	case cfg.RedisAddr != "":
		bus, err := sig.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		util.LogInfo("Using Redis %s as signaling bus", cfg.RedisAddr)
		return bus, nil
	default:
		return nil, fmt.Errorf("no signaling configured: pass -signal or -redis")
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the mode and its parameters.
func runInteractive(ctx context.Context, s *session.Session, outDir string) error {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Receive — Wait for incoming files", "Send    — Send a file to a device"}).
		WithDefaultText("What do you want to do").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Receive") {
		return runReceive(ctx, s, outDir)
	}

	path := askFile()
	target, err := pickPeer(ctx, s)
	if err != nil {
		return err
	}
	return sendTo(ctx, s, path, target)
}

// runReceive saves every incoming file to outDir until ctx ends.
func runReceive(ctx context.Context, s *session.Session, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	bars := newBars()
	s.OnIncomingStatus(func(peerID string, st transfer.Status) {
		bars.update(peerID, st)
	})
	s.OnIncomingFile(func(f transfer.IncomingFile) {
		path, err := saveIncoming(outDir, f.Name, f.Data)
		if err != nil {
			util.LogError("save %q: %v", f.Name, err)
			return
		}
		util.LogSuccess("Received %s (%s) from %s", path, strings.TrimSpace(util.FormatBytes(float64(f.Size))), util.ShortID(f.PeerID))
	})

	util.StartStatsReporter(ctx, 5*time.Second)
	util.LogSuccess("Waiting for files — code %s", s.Code())
	<-ctx.Done()
	return nil
}

// saveIncoming writes data under dir without replacing existing files: a
// taken name gets a " (n)" suffix before its extension.
func saveIncoming(dir, name string, data []byte) (string, error) {
	base := filepath.Base(name)
	if base == "." || base == ".." || base == string(filepath.Separator) {
		base = "download"
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for i := 0; i < maxSaveAttempts; i++ {
		candidate := base
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", err
		}
		return path, f.Close()
	}
	return "", fmt.Errorf("no free name for %q in %s", base, dir)
}

// runSend sends path to peerID, or to the device owning code.
func runSend(ctx context.Context, s *session.Session, path, peerID, code string) error {
	target := discovery.Peer{DeviceID: peerID}
	if peerID == "" {
		p, err := s.ConnectByCode(ctx, code)
		if err != nil {
			return err
		}
		target = p
	}
	return sendTo(ctx, s, path, target)
}

// runDiscover lists the devices that answer a discovery request.
func runDiscover(ctx context.Context, s *session.Session) error {
	spinner, _ := pterm.DefaultSpinner.Start("Looking for devices...")
	peers, err := s.DiscoverPeers(ctx)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success(fmt.Sprintf("Found %d device(s)", len(peers)))

	rows := [][]string{{"Device", "ID", "Code"}}
	for _, p := range peers {
		rows = append(rows, []string{p.DisplayName, p.DeviceID, discovery.CodeFor(p.DeviceID)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func sendTo(ctx context.Context, s *session.Session, path string, target discovery.Peer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	bars := newBars()
	err = s.SendFile(ctx, transfer.File{
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MIMEType: mimeType,
		Reader:   f,
	}, target.DeviceID, func(st transfer.Status) {
		bars.update(target.DeviceID, st)
	})
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", filepath.Base(path), target, err)
	}
	util.LogSuccess("Sent %s to %s", filepath.Base(path), target)
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// bars keeps one pterm progress bar per peer.
type bars struct {
	mu   sync.Mutex
	bars map[string]*pterm.ProgressbarPrinter
	last map[string]int
}

func newBars() *bars {
	return &bars{bars: make(map[string]*pterm.ProgressbarPrinter), last: make(map[string]int)}
}

func (b *bars) update(peerID string, st transfer.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch st.Kind {
	case transfer.KindStarted:
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(100).
			WithTitle(fmt.Sprintf("%s (%s)", util.ShortID(peerID), strings.TrimSpace(util.FormatBytes(float64(st.Progress.Total))))).
			Start()
		b.bars[peerID] = pb
		b.last[peerID] = 0
	case transfer.KindProgress, transfer.KindComplete:
		pb, ok := b.bars[peerID]
		if !ok {
			return
		}
		if delta := st.Progress.Percentage - b.last[peerID]; delta > 0 {
			pb.Add(delta)
			b.last[peerID] = st.Progress.Percentage
		}
		if st.Kind == transfer.KindComplete {
			_, _ = pb.Stop()
			delete(b.bars, peerID)
		}
	case transfer.KindError:
		if pb, ok := b.bars[peerID]; ok {
			_, _ = pb.Stop()
			delete(b.bars, peerID)
		}
		util.LogWarning("Transfer with %s failed: %v", util.ShortID(peerID), st.Err)
	}
}

// pickPeer lets the user choose a discovered device or type a code.
func pickPeer(ctx context.Context, s *session.Session) (discovery.Peer, error) {
	spinner, _ := pterm.DefaultSpinner.Start("Looking for devices...")
	peers, err := s.DiscoverPeers(ctx)
	if err != nil {
		spinner.Fail(err.Error())
		return discovery.Peer{}, err
	}
	spinner.Success(fmt.Sprintf("Found %d device(s)", len(peers)))

	const byCode = "Enter a code instead"
	options := make([]string, 0, len(peers)+1)
	for _, p := range peers {
		options = append(options, fmt.Sprintf("%s [%s]", p.DisplayName, discovery.CodeFor(p.DeviceID)))
	}
	options = append(options, byCode)

	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("Send to").
		Show()
	pterm.Println()

	for i, opt := range options[:len(peers)] {
		if opt == choice {
			return peers[i], nil
		}
	}

	code, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Device code").
		Show()
	pterm.Println()
	return s.ConnectByCode(ctx, code)
}

// askFile prompts for an existing regular file until one is entered.
func askFile() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("File to send").
			Show()

		path := strings.Trim(strings.TrimSpace(raw), `"'`)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			pterm.Println()
			return path
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter the path of a file")
	}
}

// normalizeWSURL validates a relay URL and points it at the /ws endpoint.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}
	scheme := "wss"
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
