package installer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yourorg/agent-gateway/pkg/audit"
	"github.com/yourorg/agent-gateway/pkg/db"
	"github.com/yourorg/agent-gateway/pkg/db/models"
)

type synthTestEnv struct {
	db    *gorm.DB
	synth *Synthesizer
}

func newSynthTestEnv(t *testing.T) *synthTestEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:synth-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))

	logger := zap.NewNop()
	auditLogger := audit.NewLogger(gdb, logger)
	t.Cleanup(func() { auditLogger.Close() })

	require.NoError(t, gdb.Create(&models.Tenant{
		ID: "ten_1", Name: "acme", Status: models.TenantStatusActive,
	}).Error)

	return &synthTestEnv{
		db:    gdb,
		synth: NewSynthesizer(gdb, auditLogger, logger, "https://gateway.example.com", 60),
	}
}

// seedCapability creates an agent, credential, and capability, returning the
// raw capability key.
func (env *synthTestEnv) seedCapability(t *testing.T, agentName, osType string, maxUses int, expiresAt time.Time) string {
	t.Helper()

	token, tokenHash, err := models.GenerateBearerToken()
	require.NoError(t, err)
	secret, err := models.GenerateHmacSecret()
	require.NoError(t, err)
	capabilityKey, capabilityHash, err := models.GenerateCapabilityKey()
	require.NoError(t, err)

	agentID, err := models.NewID("agt")
	require.NoError(t, err)
	credentialID, err := models.NewID("crd")
	require.NoError(t, err)
	capabilityID, err := models.NewID("cap")
	require.NoError(t, err)

	require.NoError(t, env.db.Create(&models.AgentIdentity{
		ID: agentID, TenantID: "ten_1", Name: agentName, OSType: osType,
		Status: models.AgentStatusPending, EnrolledAt: time.Now(), UpdatedAt: time.Now(),
	}).Error)
	require.NoError(t, env.db.Create(&models.AgentCredential{
		ID: credentialID, AgentID: agentID, TenantID: "ten_1",
		TokenHash: tokenHash, Secret: secret, Active: true, CreatedAt: time.Now(),
	}).Error)
	require.NoError(t, env.db.Create(&models.EnrollmentCapability{
		ID: capabilityID, TenantID: "ten_1", AgentID: agentID, CredentialID: credentialID,
		KeyHash: capabilityHash, OSType: osType, BootstrapToken: token,
		MaxUses: maxUses, ExpiresAt: expiresAt, CreatedAt: time.Now(),
	}).Error)

	return capabilityKey
}

func TestFetchIsDeterministic(t *testing.T) {
	env := newSynthTestEnv(t)
	key := env.seedCapability(t, "web-01", "linux", 3, time.Now().Add(time.Hour))

	first, err := env.synth.Fetch(context.Background(), key)
	require.NoError(t, err)
	second, err := env.synth.Fetch(context.Background(), key)
	require.NoError(t, err)

	require.Equal(t, first.SHA256, second.SHA256)
	require.Equal(t, first.Script, second.Script)
	require.Equal(t, first.Size, second.Size)
	require.Equal(t, int64(len(first.Script)), first.Size)

	// the digest is persisted on first render
	var capability models.EnrollmentCapability
	require.NoError(t, env.db.Where("key_hash = ?", models.HashKey(key)).First(&capability).Error)
	require.Equal(t, first.SHA256, capability.InstallerSHA256)
	require.NotNil(t, capability.GeneratedAt)
}

func TestFetchSubstitutesAllPlaceholders(t *testing.T) {
	env := newSynthTestEnv(t)

	for _, osType := range []string{"linux", "windows"} {
		t.Run(osType, func(t *testing.T) {
			key := env.seedCapability(t, "host-"+osType, osType, 3, time.Now().Add(time.Hour))

			artifact, err := env.synth.Fetch(context.Background(), key)
			require.NoError(t, err)

			script := string(artifact.Script)
			require.NotContains(t, script, "{{")
			require.NotContains(t, script, PlaceholderToken)
			require.NotContains(t, script, PlaceholderSecret)
			require.NotContains(t, script, PlaceholderServerURL)
			require.Contains(t, script, "https://gateway.example.com")

			if osType == "windows" {
				require.Contains(t, script, `$AgentToken = "`)
				require.Contains(t, script, `$HmacSecret = "`)
			} else {
				require.Contains(t, script, `AGENT_TOKEN="`)
				require.Contains(t, script, `HMAC_SECRET="`)
				require.Contains(t, script, "#!/bin/sh")
			}
		})
	}
}

func TestFetchEmbedsWorkingCredentials(t *testing.T) {
	env := newSynthTestEnv(t)
	key := env.seedCapability(t, "web-01", "linux", 3, time.Now().Add(time.Hour))

	var capability models.EnrollmentCapability
	require.NoError(t, env.db.Preload("Credential").
		Where("key_hash = ?", models.HashKey(key)).First(&capability).Error)

	artifact, err := env.synth.Fetch(context.Background(), key)
	require.NoError(t, err)

	script := string(artifact.Script)
	require.Contains(t, script, fmt.Sprintf("AGENT_TOKEN=%q", capability.BootstrapToken))
	require.Contains(t, script, fmt.Sprintf("HMAC_SECRET=%q", capability.Credential.Secret))
}

func TestFetchConsumesUses(t *testing.T) {
	env := newSynthTestEnv(t)
	key := env.seedCapability(t, "web-01", "linux", 1, time.Now().Add(time.Hour))

	_, err := env.synth.Fetch(context.Background(), key)
	require.NoError(t, err)

	_, err = env.synth.Fetch(context.Background(), key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFetchRejectsExpiredCapability(t *testing.T) {
	env := newSynthTestEnv(t)
	key := env.seedCapability(t, "web-01", "linux", 3, time.Now().Add(-time.Minute))

	_, err := env.synth.Fetch(context.Background(), key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFetchRejectsUnknownKey(t *testing.T) {
	env := newSynthTestEnv(t)

	_, err := env.synth.Fetch(context.Background(), "no-such-capability-key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFetchFailsClosedOnMissingToken(t *testing.T) {
	env := newSynthTestEnv(t)
	key := env.seedCapability(t, "web-01", "linux", 3, time.Now().Add(time.Hour))

	require.NoError(t, env.db.Model(&models.EnrollmentCapability{}).
		Where("key_hash = ?", models.HashKey(key)).
		Update("bootstrap_token", "").Error)

	_, err := env.synth.Fetch(context.Background(), key)
	require.ErrorIs(t, err, ErrRenderFailed)
}

func TestFilenameByPlatform(t *testing.T) {
	require.Equal(t, "install-web-01.sh", scriptFilename("web-01", "linux"))
	require.Equal(t, "install-dc-01.ps1", scriptFilename("dc-01", "windows"))
}
