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
	"time"

	"github.com/vldKasatonov/UChat-sub000/internal/client"
	"github.com/vldKasatonov/UChat-sub000/internal/config"
	"github.com/vldKasatonov/UChat-sub000/pkg/protocol"
)

const callTimeout = 10 * time.Second

func main() {
	host := flag.String("host", "localhost", "Server host")
	port := flag.Int("port", 8443, "Server port")
	caFile := flag.String("ca", "", "PEM file with the server's certificate or CA")
	configPath := flag.String("config", "", "Path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if *caFile != "" {
		cfg.TLS.CAFile = *caFile
	}

	tlsConf, err := cfg.TLS.ClientTLS(*host)
	if err != nil {
		log.Fatalf("TLS setup failed: %v", err)
	}

	session := client.NewSession(client.Config{
		Addr:       fmt.Sprintf("%s:%d", *host, *port),
		TLS:        tlsConf,
		RetryDelay: cfg.ReconnectDelay,
	})
	session.Start()
	defer session.Close()

	go printEvents(session)

	fmt.Println("Commands: /register u p | /login u p | /chat name users... | /send id text |")
	fmt.Println("          /chats | /history id | /search q | /edit id text | /del id | /delall id | /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		if err := runCommand(session, line); err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
}

func runCommand(session *client.Session, line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	var (
		ct      protocol.CommandType
		payload any
	)
	switch cmd {
	case "/register", "/login":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s <username> <password>", cmd)
		}
		ct = protocol.CommandRegister
		if cmd == "/login" {
			ct = protocol.CommandLogin
		}
		payload = protocol.LoginPayload{Username: args[0], Password: args[1]}
	case "/chat":
		if len(args) < 2 {
			return fmt.Errorf("usage: /chat <name> <member>...")
		}
		_, username, ok := session.Identity()
		if !ok {
			return fmt.Errorf("log in first")
		}
		ct = protocol.CommandCreateChat
		payload = protocol.CreateChatPayload{
			Name:    args[0],
			IsGroup: len(args) > 2,
			Members: append([]string{username}, args[1:]...),
		}
	case "/send":
		if len(args) < 2 {
			return fmt.Errorf("usage: /send <chat id> <text>")
		}
		chatID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad chat id %q", args[0])
		}
		ct = protocol.CommandSendMessage
		payload = protocol.SendMessagePayload{ChatID: chatID, Content: strings.Join(args[1:], " ")}
	case "/chats":
		ct = protocol.CommandGetChats
		payload = protocol.GetChatsPayload{}
	case "/history":
		if len(args) != 1 {
			return fmt.Errorf("usage: /history <chat id>")
		}
		chatID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad chat id %q", args[0])
		}
		ct = protocol.CommandGetHistory
		payload = protocol.GetHistoryPayload{ChatID: chatID}
	case "/search":
		if len(args) != 1 {
			return fmt.Errorf("usage: /search <query>")
		}
		ct = protocol.CommandSearchUser
		payload = protocol.SearchUserPayload{Query: args[0]}
	case "/edit":
		if len(args) < 2 {
			return fmt.Errorf("usage: /edit <message id> <text>")
		}
		msgID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad message id %q", args[0])
		}
		ct = protocol.CommandEditMessage
		payload = protocol.EditMessagePayload{MessageID: msgID, Content: strings.Join(args[1:], " ")}
	case "/del", "/delall":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <message id>", cmd)
		}
		msgID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad message id %q", args[0])
		}
		if cmd == "/del" {
			ct = protocol.CommandDeleteForMe
			payload = protocol.DeleteForMePayload{MessageID: msgID}
		} else {
			ct = protocol.CommandDeleteForAll
			payload = protocol.DeleteForAllPayload{MessageID: msgID}
		}
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	resp, err := session.Call(ctx, ct, payload)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s: %s\n", resp.Status, resp.Type, compact(resp.Payload))
	return nil
}

func printEvents(session *client.Session) {
	for ev := range session.Events() {
		switch ev.Kind {
		case client.EventConnected:
			fmt.Println("* connected")
		case client.EventDisconnected:
			fmt.Println("* connection lost, reconnecting...")
		case client.EventReconnected:
			fmt.Println("* reconnected")
		case client.EventShutdown:
			fmt.Println("* session lost, please restart and log in")
			os.Exit(1)
		case client.EventPush:
			fmt.Printf("<< %s: %s\n", ev.Push.Type, compact(ev.Push.Payload))
		}
	}
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
