// Command client-demo is a minimal interactive driver for a single
// tenant's client replica: it connects to a running coordinator, prints
// the permission answer for a can/findAllObjectsWhereSubjectCan query,
// or submits a grant/revoke, then exits. It exists to exercise
// internal/client end-to-end against a live coordinator process rather
// than to be a real operator tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/latticeauth/edgegraph/internal/client"
	"github.com/latticeauth/edgegraph/internal/edge"
)

func main() {
	dialURL := flag.String("url", "ws://127.0.0.1:8080/tenant/demo/events", "coordinator events endpoint")
	tenantID := flag.String("tenant", "demo", "tenant ID")
	mode := flag.String("mode", "can", "can | objects | grant | revoke")
	subject := flag.String("subject", "", "subject ID")
	capability := flag.String("capability", "", "capability name")
	object := flag.String("object", "", "object ID (can/grant)")
	actor := flag.String("actor", "", "actor ID authorizing a grant/revoke")
	edgeType := flag.String("type", string(edge.TypeHasPermission), "edge type for grant")
	edgeID := flag.String("edge", "", "edge ID to revoke")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := client.DefaultConfig(*tenantID, *dialURL)
	r, err := client.New(cfg, nil, logger)
	if err != nil {
		logger.Fatal("failed to construct replica", zap.Error(err))
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Connect(ctx); err != nil {
		logger.Fatal("failed to connect", zap.Error(err))
	}
	go r.Run(context.Background())
	time.Sleep(500 * time.Millisecond) // let catch-up settle before querying

	switch *mode {
	case "can":
		allowed, edgeIDs, err := r.Can(ctx, *subject, *capability, *object)
		if err != nil {
			logger.Fatal("can query failed", zap.Error(err))
		}
		fmt.Printf("allowed=%v edgeIds=%v\n", allowed, edgeIDs)

	case "objects":
		objects, err := r.FindAllObjectsWhereSubjectCan(ctx, *subject, *capability)
		if err != nil {
			logger.Fatal("objects query failed", zap.Error(err))
		}
		fmt.Printf("objects=%v\n", objects)

	case "grant":
		idemKey, err := r.Grant(ctx, *actor, edge.Type(*edgeType), *subject, *object, map[string]string{edge.CapabilityKey: *capability})
		if err != nil {
			logger.Fatal("grant failed", zap.Error(err))
		}
		if err := r.Await(ctx, idemKey); err != nil {
			logger.Fatal("grant rejected", zap.Error(err))
		}
		fmt.Println("grant confirmed")

	case "revoke":
		idemKey, err := r.Revoke(ctx, *actor, *edgeID)
		if err != nil {
			logger.Fatal("revoke failed", zap.Error(err))
		}
		if idemKey == "" {
			fmt.Println("already revoked")
			return
		}
		if err := r.Await(ctx, idemKey); err != nil {
			logger.Fatal("revoke rejected", zap.Error(err))
		}
		fmt.Println("revoke confirmed")

	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(1)
	}
}
