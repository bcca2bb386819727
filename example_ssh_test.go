package netconf_test

import (
	"context"
	"log"
	"time"

	"github.com/netpilot-io/netconf"
	"github.com/netpilot-io/netconf/rpc"
	ncssh "github.com/netpilot-io/netconf/transport/ssh"
)

func Example_ssh() {
	cfg := &ncssh.Config{
		Host:          "myrouter.example.com",
		Username:      "admin",
		Password:      "secret",
		HostKeyPolicy: ncssh.HostKeyLoose,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport, err := ncssh.Dial(ctx, cfg)
	if err != nil {
		panic(err)
	}
	defer transport.Close() // nolint:errcheck

	session, err := netconf.Open(ctx, transport, cfg.SessionOptions()...)
	if err != nil {
		panic(err)
	}

	// timeout for the call itself.
	ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	deviceConfig, err := rpc.GetConfig{Source: rpc.Running}.Exec(ctx, session)
	if err != nil {
		log.Fatalf("failed to get config: %v", err)
	}

	log.Printf("Config:\n%s\n", deviceConfig)

	if err := session.Close(context.Background()); err != nil {
		log.Print(err)
	}
}
