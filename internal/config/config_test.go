package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"ADDR", "DATABASE_URL", "MAIL_MODE", "SMTP_PORT", "SCHEMA_CACHE_SIZE", "SITE_DOMAIN"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, MailLog, cfg.MailMode)
	assert.Equal(t, 25, cfg.SMTPPort)
	assert.Equal(t, 64, cfg.SchemaCacheSize)
	assert.Equal(t, "localhost", cfg.SiteDomain)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ADDR", ":9000")
	t.Setenv("MAIL_MODE", "smtp")
	t.Setenv("SMTP_PORT", "587")
	t.Setenv("SITE_DOMAIN", "forms.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, MailSMTP, cfg.MailMode)
	assert.Equal(t, 587, cfg.SMTPPort)
	assert.Equal(t, "forms.example.com", cfg.SiteDomain)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("port", func(t *testing.T) {
		t.Setenv("SMTP_PORT", "twenty-five")
		_, err := Load()
		assert.ErrorContains(t, err, "SMTP_PORT")
	})
	t.Run("mail mode", func(t *testing.T) {
		t.Setenv("MAIL_MODE", "pigeon")
		_, err := Load()
		assert.ErrorContains(t, err, "MAIL_MODE")
	})
}
