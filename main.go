package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"sketchweave/internal/config"
	"sketchweave/internal/export"
	"sketchweave/internal/gallery"
	"sketchweave/internal/ledger"
	boardnet "sketchweave/internal/net"
	"sketchweave/internal/session"
	"sketchweave/internal/state"
	"sketchweave/internal/ui"
)

const Version = "0.1.0"

const usage = `SketchWeave shared drawing board.

Environment:
    SKETCHWEAVE_ADDR          relay listen address (default :8888)
    SKETCHWEAVE_RELAY_URL     relay to join (default http://localhost:8888)
    SKETCHWEAVE_GALLERY       gallery database path
    SKETCHWEAVE_GATEWAY_URL   ledger gateway used for uploads
    SKETCHWEAVE_GATEWAY_ADDR  gateway listen address (default :8889)
    SKETCHWEAVE_WALLET        wallet key file

Usage:
    sketchweave relay [--addr=<addr>] [--no-mdns] [-v]
    sketchweave draw [--relay=<relay> | --discover] [--width=<width>] [--height=<height>]
        [--retries=<retries>] [--linger=<ms>] [--save=<title>] [--upload] [-v]
    sketchweave gallery list [-v]
    sketchweave gallery delete <id> [-v]
    sketchweave gallery export <id> <pdf> [-v]
    sketchweave gallery upload <id> [-v]
    sketchweave gallery remote [-v]
    sketchweave gateway [--addr=<addr>] [-v]
    sketchweave -h | --help
    sketchweave --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --addr=<addr>          Listen address.
    --no-mdns              Do not advertise the relay on the local network.
    --relay=<relay>        Relay share link, host:port or URL.
    --discover             Find a relay on the local network.
    --width=<width>        Canvas width [default: 800].
    --height=<height>      Canvas height [default: 600].
    --retries=<retries>    Connection attempts [default: 3].
    --linger=<ms>          Keep receiving for this long after the script ends [default: 500].
    --save=<title>         Save the canvas to the gallery on exit.
    --upload               Also upload the saved canvas to the gateway.
    -v --verbose           Trace every event.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	verbose, _ := opts.Bool("--verbose")
	setupLogging(verbose)
	defer glog.Flush()

	cfg := config.FromEnv()

	if relay_, _ := opts.Bool("relay"); relay_ {
		err = relay(cfg, opts)
	} else if draw_, _ := opts.Bool("draw"); draw_ {
		err = draw(cfg, opts)
	} else if gallery_, _ := opts.Bool("gallery"); gallery_ {
		err = galleryCommand(cfg, opts)
	} else if gateway_, _ := opts.Bool("gateway"); gateway_ {
		err = gateway(cfg, opts)
	}
	if err != nil {
		glog.Errorf("%s", err)
		glog.Flush()
		os.Exit(1)
	}
}

func setupLogging(verbose bool) {
	flag.Set("logtostderr", "true")
	if verbose {
		flag.Set("v", "2")
	}
	flag.CommandLine.Parse([]string{})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// serve runs server on listener until ctx ends, then calls stop and shuts
// the server down.
func serve(ctx context.Context, server *http.Server, listener net.Listener, stop func()) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		glog.Infof("shutting down")
		if stop != nil {
			stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func relay(cfg config.Config, opts docopt.Opts) error {
	addr, _ := opts.String("--addr")
	cfg.Set(&cfg.Addr, addr)
	noMDNS, _ := opts.Bool("--no-mdns")

	ctx, cancel := signalContext()
	defer cancel()

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	relay := boardnet.NewRelayWithDefaults(ctx)
	server := &http.Server{Handler: boardnet.NewRouter(relay)}

	if shareURL, err := boardnet.ShareURL(listener.Addr().String()); err != nil {
		glog.Warningf("[relay]no share url: %s", err)
	} else {
		link, _ := config.ShareLink(shareURL)
		fmt.Printf("Relay listening on %s\nShare this link: %s\n", shareURL, link)
	}

	if !noMDNS {
		mdnsServer, err := boardnet.Advertise(port)
		if err != nil {
			glog.Warningf("[mdns]not advertising: %s", err)
		} else {
			defer mdnsServer.Shutdown()
		}
	}

	return serve(ctx, server, listener, relay.Close)
}

func gateway(cfg config.Config, opts docopt.Opts) error {
	addr, _ := opts.String("--addr")
	cfg.Set(&cfg.GatewayAddr, addr)

	ctx, cancel := signalContext()
	defer cancel()

	listener, err := net.Listen("tcp", cfg.GatewayAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GatewayAddr, err)
	}
	fmt.Printf("Ledger gateway listening on %s\n", listener.Addr())
	server := &http.Server{Handler: ledger.NewGateway().Router()}
	return serve(ctx, server, listener, nil)
}

func draw(cfg config.Config, opts docopt.Opts) error {
	relayFlag, _ := opts.String("--relay")
	cfg.Set(&cfg.RelayURL, relayFlag)
	discover, _ := opts.Bool("--discover")
	width, err := opts.Int("--width")
	if err != nil {
		return fmt.Errorf("bad --width: %w", err)
	}
	height, err := opts.Int("--height")
	if err != nil {
		return fmt.Errorf("bad --height: %w", err)
	}
	retries, err := opts.Int("--retries")
	if err != nil {
		return fmt.Errorf("bad --retries: %w", err)
	}
	lingerMs, err := opts.Int("--linger")
	if err != nil {
		return fmt.Errorf("bad --linger: %w", err)
	}
	title, _ := opts.String("--save")
	upload, _ := opts.Bool("--upload")

	ctx, cancel := signalContext()
	defer cancel()

	if discover {
		addr, err := boardnet.Browse(ctx, 3*time.Second)
		if err != nil {
			return err
		}
		cfg.RelayURL = addr
	}
	baseURL, err := config.RelayBaseURL(cfg.RelayURL)
	if err != nil {
		return err
	}

	board := ui.NewBoard(width, height)
	sess, err := session.NewSessionWithDefaults(ctx, baseURL, board, ui.NewApplier(board).Handlers())
	if err != nil {
		return err
	}

	wireLocalInput(board, sess)
	board.OnStatus = func(st session.Status) {
		fmt.Printf("status: %s, %d participant(s)\n", st.State, st.UserCount)
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	go board.Run(loopCtx)
	defer sess.Shutdown()

	if err := sess.OpenWithRetry(ctx, retries); err != nil {
		glog.Warningf("[draw]drawing offline: %s", err)
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "Enter pointer commands (down x y, move x y [ms], up, clear, wait ms), end with Ctrl-D.")
	}
	script, err := ui.ParseScript(os.Stdin)
	if err != nil {
		return err
	}
	if err := script.Run(ctx, board); err != nil && ctx.Err() == nil {
		return err
	}

	select {
	case <-time.After(time.Duration(lingerMs) * time.Millisecond):
	case <-ctx.Done():
	}

	if title == "" {
		return nil
	}
	var png []byte
	var snapErr error
	if !board.Do(func() { png, snapErr = board.Snapshot() }) {
		return fmt.Errorf("board stopped before the canvas was saved")
	}
	if snapErr != nil {
		return fmt.Errorf("failed to encode canvas: %w", snapErr)
	}
	return save(context.Background(), cfg, png, title, upload)
}

// relaySender is the part of a session the board's local input feeds.
type relaySender interface {
	SendSegment(seg state.Segment) error
	SendClear() error
	SendCursor(x, y float64) error
}

// wireLocalInput sends local board input to the relay. Relayed input is
// applied through the session handlers and never comes back here.
func wireLocalInput(board *ui.Board, sess relaySender) {
	board.OnNewSegment = func(seg state.Segment) {
		if err := sess.SendSegment(seg); errors.Is(err, session.ErrNotConnected) {
			glog.V(2).Infof("[draw]segment not sent: %s", err)
		} else if err != nil {
			glog.Warningf("[draw]segment not sent, canvas is out of sync: %s", err)
		}
	}
	board.OnClear = func() {
		if err := sess.SendClear(); err != nil {
			glog.V(2).Infof("[draw]clear not sent: %s", err)
		}
	}
	board.OnCursor = func(x, y float64) {
		if err := sess.SendCursor(x, y); err != nil {
			glog.V(2).Infof("[draw]cursor not sent: %s", err)
		}
	}
}

// connectLedger opens the wallet and returns a gateway client signing with
// it, plus the wallet address.
func connectLedger(ctx context.Context, cfg config.Config) (*ledger.Client, string, error) {
	if cfg.GatewayURL == "" {
		return nil, "", fmt.Errorf("no gateway configured, set %s", config.EnvGatewayURL)
	}
	wallet := ledger.NewKeyWallet(cfg.WalletPath)
	if err := wallet.Connect(ctx); err != nil {
		return nil, "", err
	}
	owner, err := wallet.ActiveAddress()
	if err != nil {
		return nil, "", err
	}
	client, err := ledger.NewClient(cfg.GatewayURL, wallet)
	return client, owner, err
}

func openStore(cfg config.Config) (*gallery.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.GalleryPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create gallery dir: %w", err)
	}
	return gallery.Open(cfg.GalleryPath)
}

func save(ctx context.Context, cfg config.Config, png []byte, title string, upload bool) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var up gallery.Uploader
	if upload {
		client, _, err := connectLedger(ctx, cfg)
		if err != nil {
			return err
		}
		up = client
	}
	sk, err := gallery.NewSaver(store, up).Save(ctx, png, title)
	if sk.ID == "" {
		return err
	}
	fmt.Printf("saved %s %q\n", sk.ID, sk.Title)
	if sk.RemoteID != "" {
		fmt.Printf("uploaded as %s\n", sk.RemoteID)
	}
	return err
}

func galleryCommand(cfg config.Config, opts docopt.Opts) error {
	ctx := context.Background()
	id, _ := opts.String("<id>")

	if remote_, _ := opts.Bool("remote"); remote_ {
		client, owner, err := connectLedger(ctx, cfg)
		if err != nil {
			return err
		}
		return listRemote(ctx, client, owner)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if list_, _ := opts.Bool("list"); list_ {
		sketches, err := store.List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCREATED\tTITLE\tREMOTE")
		for _, sk := range sketches {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sk.ID, sk.Timestamp.Format(time.RFC3339), sk.Title, sk.RemoteID)
		}
		return w.Flush()
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		return store.Delete(ctx, id)
	} else if export_, _ := opts.Bool("export"); export_ {
		sk, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		path, _ := opts.String("<pdf>")
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := export.ExportPDF(f, sk.Title, sk.ImageData); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	} else if upload_, _ := opts.Bool("upload"); upload_ {
		sk, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		client, _, err := connectLedger(ctx, cfg)
		if err != nil {
			return err
		}
		sk, err = gallery.NewSaver(store, client).Upload(ctx, sk)
		if err != nil {
			return err
		}
		fmt.Printf("uploaded as %s\n", sk.RemoteID)
	}
	return nil
}

// listRemote shows the sketches this wallet has uploaded.
func listRemote(ctx context.Context, client *ledger.Client, owner string) error {
	txs, err := client.Query(ctx, owner, []ledger.Tag{
		{Name: "App-Name", Value: gallery.AppName},
		{Name: "Type", Value: "sketch"},
	})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tTITLE")
	for _, tx := range txs {
		created, _ := tx.Tag("Created-At")
		title, _ := tx.Tag("Title")
		fmt.Fprintf(w, "%s\t%s\t%s\n", tx.ID, created, title)
	}
	return w.Flush()
}
