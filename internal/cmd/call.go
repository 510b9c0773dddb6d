package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/frappe-community/AssistantBridge/internal/auth/frappe"
	"github.com/frappe-community/AssistantBridge/internal/config"
	"github.com/frappe-community/AssistantBridge/internal/util"
	sdkAuth "github.com/frappe-community/AssistantBridge/sdk/auth"
	"github.com/frappe-community/AssistantBridge/sdk/bridge"
)

// DoCall performs a single authenticated JSON-RPC call against the site's
// assistant endpoint and prints the result as indented JSON.
//
// Parameters:
//   - cfg: The application configuration
//   - method: The JSON-RPC method, e.g. tools/list or tools/call
//   - paramsJSON: Raw JSON for the params field, empty for none
func DoCall(cfg *config.Config, method, paramsJSON string) {
	ctx := context.Background()
	httpClient := util.NewHTTPClient(cfg)

	store := sdkAuth.NewFileTokenStore(cfg.AuthDir)
	manager := bridge.NewTokenManager(cfg.SiteURL, store, httpClient)
	client := bridge.NewClient(manager, httpClient)

	var params any
	if strings.TrimSpace(paramsJSON) != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			fmt.Printf("Invalid params JSON: %v\n", err)
			os.Exit(2)
		}
	}

	result, err := client.Call(ctx, method, params)
	if err != nil {
		if errors.Is(err, frappe.ErrReauthorizationRequired) {
			fmt.Println("Stored credentials are no longer valid. Run with --login to re-authenticate.")
			os.Exit(1)
		}
		var rpcErr *bridge.RPCError
		if errors.As(err, &rpcErr) {
			fmt.Printf("RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
			if len(rpcErr.Data) > 0 {
				fmt.Printf("%s\n", rpcErr.Data)
			}
			os.Exit(1)
		}
		fmt.Printf("Call failed: %v\n", err)
		os.Exit(1)
	}

	var pretty bytes.Buffer
	if err = json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Printf("%s\n", result)
		return
	}
	fmt.Println(pretty.String())
}
