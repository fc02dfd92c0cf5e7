package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yourorg/agent-gateway/pkg/agent"
	"github.com/yourorg/agent-gateway/pkg/audit"
	"github.com/yourorg/agent-gateway/pkg/auth"
	"github.com/yourorg/agent-gateway/pkg/db"
	"github.com/yourorg/agent-gateway/pkg/enrollment"
	"github.com/yourorg/agent-gateway/pkg/installer"
	"github.com/yourorg/agent-gateway/pkg/job"
	"github.com/yourorg/agent-gateway/pkg/tenant"
)

type apiTestEnv struct {
	t             *testing.T
	db            *gorm.DB
	router        *gin.Engine
	operatorToken string
}

func newAPITestEnv(t *testing.T) *apiTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:api-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))

	logger := zap.NewNop()
	auditLogger := audit.NewLogger(gdb, logger)
	t.Cleanup(func() { auditLogger.Close() })

	jwtManager := auth.NewJWTManager("test-secret", "gateway-test", time.Hour)
	nonces := auth.NewNonceStore(gdb, auth.DefaultFreshnessWindow)
	authenticator := auth.NewAuthenticator(gdb, nonces, auditLogger, logger, auth.DefaultFreshnessWindow)
	limiter := auth.NewRateLimiter(gdb, auth.RateLimitConfig{
		Limit: 1000, Window: time.Minute, BlockFor: time.Minute,
	})

	server := NewServer(DefaultServerConfig(), &Dependencies{
		Logger:        logger,
		Authenticator: authenticator,
		RateLimiter:   limiter,
		JWTManager:    jwtManager,
		TenantManager: tenant.NewManager(gdb, logger),
		Issuer:        enrollment.NewIssuer(gdb, auditLogger, logger),
		Registry:      agent.NewRegistry(gdb, logger, 5*time.Minute),
		Exchange:      job.NewExchange(gdb, auditLogger, logger),
		Synthesizer:   installer.NewSynthesizer(gdb, auditLogger, logger, "https://gateway.example.com", 60),
		AuditLogger:   auditLogger,
	})

	operatorToken, err := jwtManager.GenerateOperatorToken("", "op-1", []string{"*"}, time.Hour)
	require.NoError(t, err)

	return &apiTestEnv{
		t:             t,
		db:            gdb,
		router:        server.Router(),
		operatorToken: operatorToken,
	}
}

func (env *apiTestEnv) operatorTokenFor(tenantID string) string {
	env.t.Helper()
	jwtManager := auth.NewJWTManager("test-secret", "gateway-test", time.Hour)
	token, err := jwtManager.GenerateOperatorToken(tenantID, "op-1", []string{"*"}, time.Hour)
	require.NoError(env.t, err)
	return token
}

func (env *apiTestEnv) operatorRequest(method, uri, token string, body interface{}) *httptest.ResponseRecorder {
	env.t.Helper()

	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(env.t, err)
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, uri, reqBody)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	return resp
}

func (env *apiTestEnv) signedAgentRequest(method, uri, token, secret string, body interface{}) *httptest.ResponseRecorder {
	env.t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(env.t, err)
	}

	timestampMillis := time.Now().UnixMilli()
	nonce := auth.NewNonce()
	message := auth.CanonicalMessage(method, uri, timestampMillis, nonce, payload)
	signature := auth.Sign([]byte(secret), message)

	req := httptest.NewRequest(method, uri, bytes.NewReader(payload))
	req.Header.Set(auth.HeaderToken, token)
	req.Header.Set(auth.HeaderSignature, signature)
	req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(timestampMillis, 10))
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set("Content-Type", "application/json")

	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	return resp
}

var (
	tokenPattern  = regexp.MustCompile(`AGENT_TOKEN="([^"]+)"`)
	secretPattern = regexp.MustCompile(`HMAC_SECRET="([^"]+)"`)
)

func TestFullAgentLifecycle(t *testing.T) {
	env := newAPITestEnv(t)

	// tenant setup through the admin API
	resp := env.operatorRequest(http.MethodPost, "/api/v1/tenants", env.operatorToken, map[string]interface{}{
		"name": "acme",
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	var tenantResp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &tenantResp))
	tenantToken := env.operatorTokenFor(tenantResp.ID)

	// operator mints an enrollment key
	resp = env.operatorRequest(http.MethodPost, "/api/v1/enrollment-keys", tenantToken, map[string]interface{}{
		"expiry_hours": 1,
		"max_uses":     1,
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	var keyResp struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &keyResp))
	require.NotEmpty(t, keyResp.Key)

	// agent enrolls with the key
	enrollBody, err := json.Marshal(map[string]string{
		"tenant_id":      tenantResp.ID,
		"enrollment_key": keyResp.Key,
		"agent_name":     "web-01",
		"os_type":        "linux",
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/enroll", bytes.NewReader(enrollBody))
	req.Header.Set("Content-Type", "application/json")
	enrollResp := httptest.NewRecorder()
	env.router.ServeHTTP(enrollResp, req)
	require.Equal(t, http.StatusCreated, enrollResp.Code)

	var issued struct {
		CapabilityKey string `json:"enrollment_capability_key"`
		AgentID       string `json:"agent_id"`
	}
	require.NoError(t, json.Unmarshal(enrollResp.Body.Bytes(), &issued))
	require.NotEmpty(t, issued.CapabilityKey)
	require.NotContains(t, enrollResp.Body.String(), "secret")

	// installer download carries credentials and integrity headers
	req = httptest.NewRequest(http.MethodGet, "/api/v1/installer/"+issued.CapabilityKey, nil)
	installerResp := httptest.NewRecorder()
	env.router.ServeHTTP(installerResp, req)
	require.Equal(t, http.StatusOK, installerResp.Code)
	require.Equal(t, "nosniff", installerResp.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", installerResp.Header().Get("X-Frame-Options"))
	require.NotEmpty(t, installerResp.Header().Get("X-Script-SHA256"))
	require.Contains(t, installerResp.Header().Get("Content-Disposition"), "attachment")

	script := installerResp.Body.String()
	tokenMatch := tokenPattern.FindStringSubmatch(script)
	require.Len(t, tokenMatch, 2)
	secretMatch := secretPattern.FindStringSubmatch(script)
	require.Len(t, secretMatch, 2)
	agentToken, agentSecret := tokenMatch[1], secretMatch[1]
	require.Len(t, agentSecret, 64)

	// first heartbeat flips the agent to active
	resp = env.signedAgentRequest(http.MethodPost, "/api/v1/agent/heartbeat", agentToken, agentSecret, map[string]string{
		"os_type": "linux", "os_version": "6.8.0", "hostname": "web-01.internal", "agent_version": "1.0.0",
	})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.operatorRequest(http.MethodGet, "/api/v1/agents/"+issued.AgentID, tenantToken, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var agentView struct {
		Status string `json:"status"`
		Online bool   `json:"online"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &agentView))
	require.Equal(t, "active", agentView.Status)
	require.True(t, agentView.Online)

	// operator queues an approved job
	resp = env.operatorRequest(http.MethodPost, "/api/v1/jobs", tenantToken, map[string]interface{}{
		"agent_name": "web-01",
		"type":       "scan",
		"payload":    map[string]interface{}{"target": "10.0.0.0/24"},
		"approved":   true,
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))

	// agent polls and receives the job
	resp = env.signedAgentRequest(http.MethodGet, "/api/v1/agent/jobs", agentToken, agentSecret, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var delivered []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &delivered))
	require.Len(t, delivered, 1)
	require.Equal(t, created.ID, delivered[0].ID)

	// result upload, then ack
	resp = env.signedAgentRequest(http.MethodPost, "/api/v1/agent/reports", agentToken, agentSecret, map[string]string{
		"job_id": created.ID, "status": "done", "output": "3 hosts scanned",
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = env.signedAgentRequest(http.MethodPost, "/api/v1/agent/jobs/ack", agentToken, agentSecret, map[string]string{
		"job_id": created.ID, "status": "done",
	})
	require.Equal(t, http.StatusOK, resp.Code)

	// the operator sees the terminal job with its report
	resp = env.operatorRequest(http.MethodGet, "/api/v1/jobs/"+created.ID, tenantToken, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var jobView struct {
		Status  string `json:"status"`
		Reports []struct {
			Output string `json:"output"`
		} `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &jobView))
	require.Equal(t, "done", jobView.Status)
	require.Len(t, jobView.Reports, 1)
	require.Equal(t, "3 hosts scanned", jobView.Reports[0].Output)
}

func TestInstallerCapabilityExhaustionOverHTTP(t *testing.T) {
	env := newAPITestEnv(t)

	resp := env.operatorRequest(http.MethodPost, "/api/v1/tenants", env.operatorToken, map[string]interface{}{
		"name": "acme",
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	var tenantResp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &tenantResp))
	tenantToken := env.operatorTokenFor(tenantResp.ID)

	resp = env.operatorRequest(http.MethodPost, "/api/v1/enrollment-keys", tenantToken, map[string]interface{}{
		"max_uses": 1,
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	var keyResp struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &keyResp))

	enrollBody, err := json.Marshal(map[string]string{
		"tenant_id":      tenantResp.ID,
		"enrollment_key": keyResp.Key,
		"agent_name":     "web-01",
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/enroll", bytes.NewReader(enrollBody))
	req.Header.Set("Content-Type", "application/json")
	enrollResp := httptest.NewRecorder()
	env.router.ServeHTTP(enrollResp, req)
	require.Equal(t, http.StatusCreated, enrollResp.Code)

	var issued struct {
		CapabilityKey string `json:"enrollment_capability_key"`
	}
	require.NoError(t, json.Unmarshal(enrollResp.Body.Bytes(), &issued))

	// capabilities allow three downloads, all byte-identical
	var firstHash string
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/installer/"+issued.CapabilityKey, nil)
		resp := httptest.NewRecorder()
		env.router.ServeHTTP(resp, req)
		require.Equal(t, http.StatusOK, resp.Code, "download %d", i+1)
		if firstHash == "" {
			firstHash = resp.Header().Get("X-Script-SHA256")
		} else {
			require.Equal(t, firstHash, resp.Header().Get("X-Script-SHA256"))
		}
	}

	// the fourth download is indistinguishable from an unknown key
	req = httptest.NewRequest(http.MethodGet, "/api/v1/installer/"+issued.CapabilityKey, nil)
	exhausted := httptest.NewRecorder()
	env.router.ServeHTTP(exhausted, req)
	require.Equal(t, http.StatusNotFound, exhausted.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/installer/totally-unknown-key", nil)
	unknown := httptest.NewRecorder()
	env.router.ServeHTTP(unknown, req)
	require.Equal(t, http.StatusNotFound, unknown.Code)
	require.JSONEq(t, exhausted.Body.String(), unknown.Body.String())
}

func TestOperatorEndpointsRequireJWT(t *testing.T) {
	env := newAPITestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp = httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestTenantRoutesRequireAdminScope(t *testing.T) {
	env := newAPITestEnv(t)

	jwtManager := auth.NewJWTManager("test-secret", "gateway-test", time.Hour)
	limited, err := jwtManager.GenerateOperatorToken("ten_1", "op-2", []string{"jobs:read"}, time.Hour)
	require.NoError(t, err)

	resp := env.operatorRequest(http.MethodGet, "/api/v1/tenants", limited, nil)
	require.Equal(t, http.StatusForbidden, resp.Code)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	env := newAPITestEnv(t)

	for _, uri := range []string{"/health", "/ready", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, uri, nil)
		resp := httptest.NewRecorder()
		env.router.ServeHTTP(resp, req)
		require.Equal(t, http.StatusOK, resp.Code, uri)
	}
}
