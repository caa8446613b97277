// Command devsync is a demo client: it connects a remote connector to a
// server and exposes the exchange on the command line.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/devsync/internal/connector"
	"github.com/and161185/devsync/internal/cryptoctrl"
	"github.com/and161185/devsync/internal/keystore"
	"github.com/and161185/devsync/internal/model"
	"github.com/and161185/devsync/internal/settings"
	"github.com/and161185/devsync/internal/transport"
)

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "devsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "devsync")
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: devsync [flags] <command>

commands:
  watch                    connect and print incoming changes
  put <type> <key> <json>  upload one entry
  devices                  list the account's devices
  reset                    reset the account on this device

interactive input while watching:
  accept <device-uuid> | deny <device-uuid>  answer a login request`)
	flag.PrintDefaults()
}

func main() {
	dir := flag.String("config-dir", cfgDir(), "configuration directory")
	url := flag.String("url", "", "server url (wss://..., stored on first use)")
	accessKey := flag.String("access-key", "", "access key for the server (stored on first use)")
	name := flag.String("device-name", "", "override the device name")
	keepalive := flag.Int("keepalive", 0, "keepalive interval in minutes (0 disables)")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	backend, err := settings.NewFileBackend(filepath.Join(*dir, "settings.json"))
	if err != nil {
		logger.Fatal("load settings", zap.Error(err))
	}
	store := settings.New(backend)
	if *url != "" {
		store.SetRemoteURL(*url)
	}
	if *accessKey != "" {
		store.SetAccessKey(*accessKey)
	}
	if *name != "" {
		store.SetDeviceName(*name)
	}
	if *keepalive > 0 {
		store.SetKeepaliveTimeout(*keepalive)
	}
	if err := store.Flush(); err != nil {
		logger.Fatal("store settings", zap.Error(err))
	}

	registry := keystore.NewRegistry()
	registry.Register("file", keystore.FileProvider(filepath.Join(*dir, "keys")))

	crypto := cryptoctrl.New(logger, cryptoctrl.Config{Provider: "file"}, registry, store)
	conn := connector.New(connector.Options{
		Log:      logger,
		Settings: store,
		Crypto:   crypto,
		Dialer:   &transport.WSDialer{},
	})
	if err := conn.Initialize(); err != nil {
		logger.Fatal("initialize connector", zap.Error(err))
	}

	switch flag.Arg(0) {
	case "watch":
		watch(logger, conn, true)
	case "put":
		if flag.NArg() != 4 {
			usage()
			os.Exit(2)
		}
		put(logger, conn, flag.Arg(1), flag.Arg(2), flag.Arg(3))
	case "devices":
		devices(conn)
	case "reset":
		conn.ResetAccount(true)
		waitFor(conn, func(n connector.Notification) bool {
			ev, ok := n.(connector.RemoteEvent)
			return ok && ev.State == connector.RemoteReady
		})
	default:
		usage()
		os.Exit(2)
	}

	conn.Finalize()
	waitFor(conn, func(n connector.Notification) bool {
		_, ok := n.(connector.Finalized)
		return ok
	})
}

// waitFor drains notifications until the predicate matches or the stream
// ends.
func waitFor(conn *connector.Connector, done func(connector.Notification) bool) {
	for n := range conn.Events() {
		if done(n) {
			return
		}
	}
}

func watch(logger *zap.Logger, conn *connector.Connector, interactive bool) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	if interactive {
		go readReplies(conn)
	}
	for {
		select {
		case n := <-conn.Events():
			switch ev := n.(type) {
			case connector.RemoteEvent:
				fmt.Println("state:", ev.State)
			case connector.DownloadData:
				fmt.Printf("change #%d: %s\n", ev.DataIndex, ev.Data)
				conn.DownloadDone(ev.DataIndex)
			case connector.LoginRequested:
				fmt.Printf("login request from %q (%x) - accept/deny %s\n",
					ev.Device.Name, ev.Device.Fingerprint, ev.Device.DeviceID)
			case connector.AccountAccessGranted:
				fmt.Println("granted access to", ev.DeviceID)
			case connector.ControllerError:
				fmt.Fprintln(os.Stderr, "error:", ev.Message)
			}
		case <-sig:
			logger.Info("shutting down")
			return
		}
	}
}

func parseUUID(s string) (uuid.UUID, error) { return uuid.FromString(s) }

// readReplies turns stdin lines into login replies.
func readReplies(conn *connector.Connector) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		id, err := parseUUID(fields[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad device id:", err)
			continue
		}
		switch fields[0] {
		case "accept":
			conn.LoginReply(id, true)
		case "deny":
			conn.LoginReply(id, false)
		}
	}
}

func put(logger *zap.Logger, conn *connector.Connector, typ, key, payload string) {
	if !json.Valid([]byte(payload)) {
		logger.Fatal("payload is not valid JSON")
	}
	// wait for the connection before uploading
	waitFor(conn, func(n connector.Notification) bool {
		ev, ok := n.(connector.RemoteEvent)
		return ok && (ev.State == connector.RemoteReady || ev.State == connector.RemoteReadyWithChanges)
	})
	conn.UploadData(model.ObjectKey{Type: typ, Key: key}, []byte(payload))
	waitFor(conn, func(n connector.Notification) bool {
		done, ok := n.(connector.UploadDone)
		if ok {
			fmt.Println("uploaded as", done.DataID)
		}
		return ok
	})
}

func devices(conn *connector.Connector) {
	waitFor(conn, func(n connector.Notification) bool {
		ev, ok := n.(connector.RemoteEvent)
		return ok && (ev.State == connector.RemoteReady || ev.State == connector.RemoteReadyWithChanges)
	})
	conn.ListDevices()
	waitFor(conn, func(n connector.Notification) bool {
		list, ok := n.(connector.DevicesListed)
		if !ok {
			return false
		}
		for _, d := range list.Devices {
			fmt.Printf("%s  %-20s %x\n", d.DeviceID, d.Name, d.Fingerprint)
		}
		return true
	})
}
