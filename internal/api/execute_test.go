package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yenjordan/terminus/protocol"
)

func postExecute(t *testing.T, ts string, token string, req protocol.ExecuteRequest) (*http.Response, protocol.ExecuteResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodPost, ts+"/api/terminal/code/execute", bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out protocol.ExecuteResponse
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHandleExecuteRunsCode(t *testing.T) {
	h, ts := newTestServerHTTP(t)
	tok := h.token(t, "owner-1", "user")

	resp, out := postExecute(t, ts.URL, tok, protocol.ExecuteRequest{
		Code:      "print('from execute endpoint')",
		SessionID: h.sessionID,
		Language:  "python",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, out.Output, "from execute endpoint")
	assert.Equal(t, 0, out.ExitStatus)
}

func TestHandleExecuteRejectsMissingCode(t *testing.T) {
	h, ts := newTestServerHTTP(t)
	tok := h.token(t, "owner-1", "user")

	resp, _ := postExecute(t, ts.URL, tok, protocol.ExecuteRequest{SessionID: h.sessionID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleExecuteRejectsWrongOwner(t *testing.T) {
	h, ts := newTestServerHTTP(t)
	tok := h.token(t, "someone-else", "user")

	resp, _ := postExecute(t, ts.URL, tok, protocol.ExecuteRequest{
		Code:      "print(1)",
		SessionID: h.sessionID,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleExecuteMissingToken(t *testing.T) {
	_, ts := newTestServerHTTP(t)

	resp, _ := postExecute(t, ts.URL, "", protocol.ExecuteRequest{Code: "print(1)"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
