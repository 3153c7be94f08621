// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/gangway-project/gangway/bridge"
	"github.com/gangway-project/gangway/engine"
	"github.com/gangway-project/gangway/identity"
	"github.com/gangway-project/gangway/lib/config"
	"github.com/gangway-project/gangway/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("gangway-call", pflag.ContinueOnError)
	flags.Usage = printUsage
	socketPath := flags.String("socket", "", "bridge Unix socket path")
	identityDir := flags.String("identity-dir", "", "identity store directory")
	create := flags.Bool("create", false, "create the database if missing (open)")
	assumeYes := flags.BoolP("yes", "y", false, "approve presence prompts without asking")
	showVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("gangway-call %s\n", version.Info())
		return nil
	}

	args := flags.Args()
	if len(args) == 0 {
		printUsage()
		return fmt.Errorf("no command")
	}
	command, args := args[0], args[1:]

	cfg := config.Default()
	if os.Getenv(config.EnvVar) != "" {
		loaded, err := config.Load("")
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *socketPath == "" {
		resolved, err := cfg.BridgeSocket()
		if err != nil {
			return err
		}
		*socketPath = resolved
	}
	if *identityDir == "" {
		dataDir, err := cfg.DataDir()
		if err != nil {
			return err
		}
		*identityDir = filepath.Join(dataDir, "identity")
	}

	ctx := context.Background()

	// create-identity is local: it never touches the bridge.
	if command == "create-identity" {
		if len(args) != 1 {
			return fmt.Errorf("usage: gangway-call create-identity <display-name>")
		}
		return createIdentity(ctx, *identityDir, args[0], *assumeYes)
	}

	conn, err := net.Dial("unix", *socketPath)
	if err != nil {
		return fmt.Errorf("connecting to %s (is gangway-node running?): %w", *socketPath, err)
	}
	client := bridge.NewClient(conn, nil)
	defer client.Close()

	switch command {
	case "init":
		var response bridge.InitializeResponse
		if err := client.Call(ctx, bridge.OpInitialize, nil, &response); err != nil {
			return err
		}
		return printJSON(response)

	case "identifier":
		var response bridge.IdentifierResponse
		if err := client.Call(ctx, bridge.OpGetIdentifier, nil, &response); err != nil {
			return err
		}
		fmt.Println(response.Identifier)
		return nil

	case "addresses":
		var response bridge.AddressesResponse
		if err := client.Call(ctx, bridge.OpGetAddresses, nil, &response); err != nil {
			return err
		}
		for _, address := range response.Addresses {
			fmt.Println(address)
		}
		return nil

	case "connections":
		var response bridge.ConnectionsResponse
		if err := client.Call(ctx, bridge.OpGetConnections, nil, &response); err != nil {
			return err
		}
		return printJSON(response.Connections)

	case "dial":
		if len(args) != 1 {
			return fmt.Errorf("usage: gangway-call dial <identifier@host:port>")
		}
		return client.Call(ctx, bridge.OpDial, bridge.DialRequest{Address: args[0]}, nil)

	case "open":
		if len(args) != 2 {
			return fmt.Errorf("usage: gangway-call open <name> <eventlog|docstore>")
		}
		var info engine.Info
		err := client.Call(ctx, bridge.OpOpenDatabase, bridge.OpenDatabaseRequest{
			Name:            args[0],
			Kind:            engine.Kind(args[1]),
			CreateIfMissing: *create,
		}, &info)
		if err != nil {
			return err
		}
		return printJSON(info)

	case "close":
		if len(args) != 1 {
			return fmt.Errorf("usage: gangway-call close <address>")
		}
		return client.Call(ctx, bridge.OpCloseDatabase, bridge.AddressRequest{Address: args[0]}, nil)

	case "list":
		var response bridge.ListDatabasesResponse
		if err := client.Call(ctx, bridge.OpListOpenDatabases, nil, &response); err != nil {
			return err
		}
		return printJSON(response.Databases)

	case "info":
		if len(args) != 1 {
			return fmt.Errorf("usage: gangway-call info <address>")
		}
		var info engine.Info
		if err := client.Call(ctx, bridge.OpGetDatabaseInfo, bridge.AddressRequest{Address: args[0]}, &info); err != nil {
			return err
		}
		return printJSON(info)

	case "query":
		if len(args) != 1 && len(args) != 2 {
			return fmt.Errorf("usage: gangway-call query <address> [predicate]")
		}
		request := bridge.QueryRequest{Address: args[0]}
		if len(args) == 2 {
			var predicate engine.Predicate
			if err := parseJSONC(args[1], &predicate); err != nil {
				return fmt.Errorf("parsing predicate: %w", err)
			}
			request.Predicate = &predicate
		}
		var response bridge.QueryResponse
		if err := client.Call(ctx, bridge.OpQueryDocuments, request, &response); err != nil {
			return err
		}
		return printJSON(response.Documents)

	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: gangway-call get <address> <id>")
		}
		var response bridge.DocumentResponse
		err := client.Call(ctx, bridge.OpGetDocument,
			bridge.DocumentIDRequest{Address: args[0], ID: args[1]}, &response)
		if err != nil {
			return err
		}
		if response.Document == nil {
			fmt.Println("null")
			return nil
		}
		return printJSON(response.Document)

	case "add", "put":
		if len(args) != 2 {
			return fmt.Errorf("usage: gangway-call %s <address> <document>", command)
		}
		var document map[string]any
		if err := parseJSONC(args[1], &document); err != nil {
			return fmt.Errorf("parsing document: %w", err)
		}
		if err := bindSigner(ctx, client, *identityDir, *assumeYes); err != nil {
			return err
		}
		op := bridge.OpAddDocument
		if command == "put" {
			op = bridge.OpPutDocument
		}
		var response bridge.EntryHashResponse
		err := client.Call(ctx, op,
			bridge.WriteDocumentRequest{Address: args[0], Document: document}, &response)
		if err != nil {
			return err
		}
		fmt.Println(response.EntryHash)
		return nil

	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: gangway-call delete <address> <id>")
		}
		if err := bindSigner(ctx, client, *identityDir, *assumeYes); err != nil {
			return err
		}
		var response bridge.EntryHashResponse
		err := client.Call(ctx, bridge.OpDeleteDocument,
			bridge.DocumentIDRequest{Address: args[0], ID: args[1]}, &response)
		if err != nil {
			return err
		}
		fmt.Println(response.EntryHash)
		return nil

	case "watch":
		if len(args) != 1 {
			return fmt.Errorf("usage: gangway-call watch <address>")
		}
		return watch(ctx, client, args[0])

	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `gangway-call - operation bridge client

USAGE
    gangway-call [flags] <command> [args...]

COMMANDS
    init                            initialize the node, print its identity
    identifier                      print the node identifier
    addresses                       print the node's dialable addresses
    connections                     print active peer connections
    dial <identifier@host:port>     connect to a peer
    create-identity <display-name>  mint a local signing identity
    open <name> <kind>              open a database (kind: eventlog, docstore)
    close <address>                 close an open database
    list                            list open databases
    info <address>                  print database metadata
    query <address> [predicate]     list documents, optionally filtered
    get <address> <id>              fetch one document
    add <address> <document>        append a signed entry
    put <address> <document>        upsert a signed document
    delete <address> <id>           tombstone a document
    watch <address>                 stream update events until interrupted

FLAGS
    --socket <path>        bridge socket (default: from config)
    --identity-dir <path>  identity store (default: <data-dir>/identity)
    --create               with open: create the database if missing
    -y, --yes              approve presence prompts without asking
    --version              print version and exit

Documents and predicates are JSONC, for example:
    gangway-call add /gwdb/<hash>/notes '{"_id": "n1", "text": "hello"}'
    gangway-call query /gwdb/<hash>/notes '{"field": "text", "op": "contains", "value": "hel"}'
`)
}

// createIdentity mints and persists a new local identity.
func createIdentity(ctx context.Context, identityDir, displayName string, assumeYes bool) error {
	store, err := identity.NewStore(identityDir, nil)
	if err != nil {
		return err
	}
	provider := &identity.DeviceProvider{Prompt: presencePrompt(assumeYes)}
	created, err := identity.Create(ctx, store, provider, displayName)
	if err != nil {
		return err
	}
	fmt.Println(created.Identifier())
	return nil
}

// bindSigner loads the local identity, installs it as this client's
// signer, and binds the database engine to its descriptor. Write
// commands call this before issuing the write so the node can route the
// sign request back here.
func bindSigner(ctx context.Context, client *bridge.Client, identityDir string, assumeYes bool) error {
	store, err := identity.NewStore(identityDir, nil)
	if err != nil {
		return err
	}
	provider := &identity.DeviceProvider{Prompt: presencePrompt(assumeYes)}
	signingIdentity, err := identity.Load(ctx, store, provider)
	if err != nil {
		return err
	}
	if signingIdentity == nil {
		return fmt.Errorf("no identity in %s: run gangway-call create-identity first", identityDir)
	}
	client.ServeSigner(signingIdentity)
	return client.Call(ctx, bridge.OpBindDatabaseEngine,
		bridge.BindEngineRequest{Descriptor: signingIdentity.ToDescriptor()}, nil)
}

// presencePrompt returns the interactive user-presence gate, or an
// auto-approve when --yes was given.
func presencePrompt(assumeYes bool) identity.PresencePrompt {
	return func(ctx context.Context, reason string) error {
		if assumeYes {
			return nil
		}
		fmt.Fprintf(os.Stderr, "approve %s? [y/N] ", reason)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return identity.ErrUserCancelled
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return nil
		}
		return identity.ErrUserCancelled
	}
}

// watch opens the database (subscribing this connection to its update
// events) and prints each event as a JSON line until interrupted.
func watch(ctx context.Context, client *bridge.Client, address string) error {
	var info engine.Info
	err := client.Call(ctx, bridge.OpGetDatabaseInfo, bridge.AddressRequest{Address: address}, &info)
	if err != nil {
		return err
	}
	err = client.Call(ctx, bridge.OpOpenDatabase, bridge.OpenDatabaseRequest{
		Name: info.Name,
		Kind: info.Kind,
	}, nil)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	client.OnUpdate(address, func(event bridge.UpdateEvent) {
		encoder.Encode(event)
	})

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	return nil
}

// parseJSONC decodes a JSONC argument (JSON with comments and trailing
// commas allowed) into out.
func parseJSONC(input string, out any) error {
	return json.Unmarshal(jsonc.ToJSON([]byte(input)), out)
}

func printJSON(value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
