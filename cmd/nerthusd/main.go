// nerthusd is the ephemeral VM session server daemon and its control
// CLI.
//
// Commands:
//
//	nerthusd start       Run the server in the foreground
//	nerthusd stop        Stop a running server through its pid file
//	nerthusd restart     Stop the running server, then start
//	nerthusd access-tk   Manage access token entries
//	nerthusd regen-rsa   Regenerate the server RSA keypair
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nerthus-project/nerthusd/internal/config"
	"github.com/nerthus-project/nerthusd/internal/process"
	"github.com/nerthus-project/nerthusd/internal/tokendb"
	"github.com/nerthus-project/nerthusd/internal/vmcrypto"
)

var commands = map[string]func([]string) error{
	"start":     cmdStart,
	"stop":      cmdStop,
	"restart":   cmdRestart,
	"access-tk": cmdAccessToken,
	"regen-rsa": cmdRegenRSA,
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	name := os.Args[1]
	if name == "help" || name == "--help" || name == "-h" {
		usage()
		return
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", name)
		usage()
		os.Exit(1)
	}

	if err := cmd(os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: nerthusd <command> [options]

Commands:
  start        Run the server in the foreground
  stop         Stop a running server through its pid file
  restart      Stop the running server, then start
  access-tk    Manage access token entries
  regen-rsa    Regenerate the server RSA keypair

Examples:
  nerthusd start -c /etc/nerthus/config.yaml --web
  nerthusd access-tk -a
  nerthusd access-tk -l --json
  nerthusd access-tk --disable 3
  nerthusd regen-rsa -b 4096
  nerthusd stop`)
}

// result is the envelope every subcommand reports through. With --json
// it is printed as one JSON object, otherwise as plain text.
type result struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func report(jsonOut bool, message string, data map[string]any) {
	if jsonOut {
		json.NewEncoder(os.Stdout).Encode(result{Status: "OK", Message: message, Data: data})
		return
	}
	fmt.Println(message)
	for k, v := range data {
		fmt.Printf("  %s: %v\n", k, v)
	}
}

func reportError(jsonOut bool, err error) error {
	if jsonOut {
		json.NewEncoder(os.Stdout).Encode(result{Status: "ERROR", Message: err.Error()})
		os.Exit(1)
	}
	return err
}

func cmdStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("c", config.DefaultPath, "configuration file path")
	enableWeb := fs.Bool("web", false, "force the HTTP surface on")
	stdoutLog := fs.Bool("enable-stdout-log", false, "tee the log to stdout")
	jsonOut := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return reportError(*jsonOut, err)
	}

	rt, err := process.NewRuntime(cfg, process.Options{
		EnableWeb:       *enableWeb,
		EnableStdoutLog: *stdoutLog,
	})
	if err != nil {
		return reportError(*jsonOut, err)
	}

	report(*jsonOut, "server starting", map[string]any{
		"listen_port": cfg.Server.ListenPort,
	})
	if err := rt.Run(); err != nil {
		return reportError(*jsonOut, err)
	}
	return nil
}

func cmdStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	configPath := fs.String("c", config.DefaultPath, "configuration file path")
	jsonOut := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return reportError(*jsonOut, err)
	}
	if cfg.Server.PIDFilePath == "" {
		return reportError(*jsonOut, fmt.Errorf("no pid file path configured"))
	}

	if err := process.StopDaemon(cfg.Server.PIDFilePath); err != nil {
		return reportError(*jsonOut, err)
	}
	report(*jsonOut, "server stopped", nil)
	return nil
}

func cmdRestart(args []string) error {
	fs := flag.NewFlagSet("restart", flag.ExitOnError)
	configPath := fs.String("c", config.DefaultPath, "configuration file path")
	enableWeb := fs.Bool("web", false, "force the HTTP surface on")
	stdoutLog := fs.Bool("enable-stdout-log", false, "tee the log to stdout")
	jsonOut := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return reportError(*jsonOut, err)
	}
	if cfg.Server.PIDFilePath == "" {
		return reportError(*jsonOut, fmt.Errorf("no pid file path configured"))
	}

	switch err := process.StopDaemon(cfg.Server.PIDFilePath); err {
	case nil:
		// Give the previous instance time to release its ports.
		time.Sleep(time.Second)
	case process.ErrNotRunning:
	default:
		return reportError(*jsonOut, err)
	}

	rt, err := process.NewRuntime(cfg, process.Options{
		EnableWeb:       *enableWeb,
		EnableStdoutLog: *stdoutLog,
	})
	if err != nil {
		return reportError(*jsonOut, err)
	}

	report(*jsonOut, "server restarting", map[string]any{
		"listen_port": cfg.Server.ListenPort,
	})
	if err := rt.Run(); err != nil {
		return reportError(*jsonOut, err)
	}
	return nil
}

func cmdAccessToken(args []string) error {
	fs := flag.NewFlagSet("access-tk", flag.ExitOnError)
	configPath := fs.String("c", config.DefaultPath, "configuration file path")
	add := fs.Bool("a", false, "add a new access token entry")
	list := fs.Bool("l", false, "list access token entries")
	del := fs.Int64("d", 0, "delete the entry with this id")
	enable := fs.Int64("enable", 0, "enable the entry with this id")
	disable := fs.Int64("disable", 0, "disable the entry with this id")
	disabled := fs.Bool("disabled", false, "with -a, create the entry disabled")
	jsonOut := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return reportError(*jsonOut, err)
	}
	if cfg.AccessToken.DatabaseFilePath == "" {
		return reportError(*jsonOut, fmt.Errorf("no access token database path configured"))
	}

	store, err := tokendb.Open(cfg.AccessToken.DatabaseFilePath)
	if err != nil {
		return reportError(*jsonOut, err)
	}
	defer store.Close()

	switch {
	case *add:
		entryID, createdAt, token, err := store.AddEntry(*disabled)
		if err != nil {
			return reportError(*jsonOut, err)
		}
		report(*jsonOut, "access token entry created", map[string]any{
			"entry_id":           entryID,
			"creation_timestamp": createdAt,
			"access_token":       token,
		})

	case *list:
		entries, err := store.ListEntries()
		if err != nil {
			return reportError(*jsonOut, err)
		}
		rows := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, map[string]any{
				"entry_id":           e.ID,
				"creation_timestamp": e.CreationTimestamp,
				"enabled":            e.Enabled,
			})
		}
		if *jsonOut {
			report(true, "access token entries", map[string]any{"entries": rows})
			return nil
		}
		fmt.Printf("%d access token entries\n", len(entries))
		for _, e := range entries {
			state := "enabled"
			if !e.Enabled {
				state = "disabled"
			}
			created := time.Unix(e.CreationTimestamp, 0).Format(time.RFC3339)
			fmt.Printf("  %d  created %s  %s\n", e.ID, created, state)
		}

	case *del != 0:
		if err := store.DeleteEntry(*del); err != nil {
			return reportError(*jsonOut, err)
		}
		report(*jsonOut, "access token entry deleted", map[string]any{"entry_id": *del})

	case *enable != 0:
		if err := store.EnableEntry(*enable); err != nil {
			return reportError(*jsonOut, err)
		}
		report(*jsonOut, "access token entry enabled", map[string]any{"entry_id": *enable})

	case *disable != 0:
		if err := store.DisableEntry(*disable); err != nil {
			return reportError(*jsonOut, err)
		}
		report(*jsonOut, "access token entry disabled", map[string]any{"entry_id": *disable})

	default:
		return reportError(*jsonOut, fmt.Errorf("access-tk needs one of -a, -l, -d, --enable or --disable"))
	}
	return nil
}

func cmdRegenRSA(args []string) error {
	fs := flag.NewFlagSet("regen-rsa", flag.ExitOnError)
	configPath := fs.String("c", config.DefaultPath, "configuration file path")
	bits := fs.Int("b", vmcrypto.DefaultKeySize, "RSA key size in bits")
	jsonOut := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return reportError(*jsonOut, err)
	}
	if cfg.Server.RSAPrivateKeyPath == "" {
		return reportError(*jsonOut, fmt.Errorf("no RSA private key path configured"))
	}

	if _, err := process.RegenerateKeyPair(cfg.Server.RSAPrivateKeyPath, *bits); err != nil {
		return reportError(*jsonOut, err)
	}
	report(*jsonOut, "RSA keypair regenerated", map[string]any{
		"key_file": cfg.Server.RSAPrivateKeyPath,
		"bits":     *bits,
	})
	return nil
}
