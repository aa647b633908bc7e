package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// rpcCallError is a JSON-RPC error returned by the gateway
type rpcCallError struct {
	Code    int
	Message string
	Data    string
}

func (e *rpcCallError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// callGateway posts one JSON-RPC request to http://addr/rpc and decodes
// the result into out.
func callGateway(ctx context.Context, addr, method string, params map[string]interface{}, out interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      uuid.NewString(),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if id, ok := params["request_id"].(string); ok && id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("gateway returned HTTP %d with a non-JSON body", resp.StatusCode)
	}

	if e := gjson.GetBytes(raw, "error"); e.Exists() && e.Type != gjson.Null {
		return &rpcCallError{
			Code:    int(e.Get("code").Int()),
			Message: e.Get("message").String(),
			Data:    e.Get("data").Raw,
		}
	}
	if out == nil {
		return nil
	}
	result := gjson.GetBytes(raw, "result")
	if !result.Exists() {
		return fmt.Errorf("gateway response has neither result nor error")
	}
	return json.Unmarshal([]byte(result.Raw), out)
}
