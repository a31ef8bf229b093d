// Package main is a small command-line client for the loopback IPC
// server, useful for poking the service during development.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/ipc"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/models"
)

var (
	version   string
	buildDate string
)

// repl runs the interactive shell loop against the IPC server.
func repl(client *ipc.Client) {
	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("nfservice> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "help":
			fmt.Println("Available commands: help, status, login <email> <password>, logout, profiles, activate <guid>, manifest <videoid>, cache-get <bucket> <id>, exit")
		case "status":
			var loggedIn bool
			if err := client.Call(ctx, "nfsession", "is_logged_in", &loggedIn); err != nil {
				fmt.Println("Error:", err)
				continue
			}
			var guid string
			_ = client.Call(ctx, "nfsession", "active_profile_guid", &guid)
			fmt.Printf("logged in: %v, active profile: %s\n", loggedIn, guid)
		case "login":
			if len(args) < 3 {
				fmt.Println("Usage: login <email> <password>")
				continue
			}
			if err := client.Call(ctx, "nfsession", "login", nil, args[1], args[2]); err != nil {
				fmt.Println("Login failed:", err)
				continue
			}
			fmt.Println("Logged in")
		case "logout":
			if err := client.Call(ctx, "nfsession", "logout", nil); err != nil {
				fmt.Println("Error:", err)
				continue
			}
			fmt.Println("Logged out")
		case "profiles":
			var profiles []models.Profile
			if err := client.Call(ctx, "nfsession", "profiles", &profiles); err != nil {
				fmt.Println("Error:", err)
				continue
			}
			for _, p := range profiles {
				marker := " "
				if p.IsAccountOwner {
					marker = "*"
				}
				fmt.Printf("%s %s  %s (%s)\n", marker, p.GUID, p.Name, p.Locale)
			}
		case "activate":
			if len(args) < 2 {
				fmt.Println("Usage: activate <guid>")
				continue
			}
			if err := client.Call(ctx, "nfsession", "activate_profile", nil, args[1]); err != nil {
				fmt.Println("Error:", err)
				continue
			}
			fmt.Println("Profile activated")
		case "manifest":
			if len(args) < 2 {
				fmt.Println("Usage: manifest <videoid>")
				continue
			}
			videoID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				fmt.Println("Invalid video id:", args[1])
				continue
			}
			mpd, err := client.Manifest(ctx, videoID, "", "")
			if err != nil {
				fmt.Println("Error:", err)
				continue
			}
			fmt.Println(string(mpd))
		case "cache-get":
			if len(args) < 3 {
				fmt.Println("Usage: cache-get <bucket> <id>")
				continue
			}
			var value []byte
			if err := client.Call(ctx, "cache", "get", &value, args[1], args[2]); err != nil {
				fmt.Println("Error:", err)
				continue
			}
			if json.Valid(value) {
				fmt.Println(string(value))
			} else {
				fmt.Printf("%d bytes\n", len(value))
			}
		case "exit", "quit":
			return
		default:
			fmt.Println("Unknown command; try help")
		}
	}
}

func main() {
	addr := flag.String("addr", "127.0.0.1:0", "IPC server address")
	flag.Parse()

	if version != "" {
		fmt.Printf("Build version: %s (%s)\n", version, buildDate)
	}
	if strings.HasSuffix(*addr, ":0") {
		log.Fatal("pass the IPC address printed by the service via -addr")
	}

	repl(ipc.NewClient(*addr))
}
