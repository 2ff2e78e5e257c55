package cliutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetupSlog(t *testing.T) {
	assert := assert.New(t)
	buf := new(bytes.Buffer)

	logger, err := SetupSlog(buf, LogOptions{LogLevel: "warn", LogFormat: "json"})
	assert.NoError(err)
	logger.Info("quiet")
	logger.Warn("loud", "comment", 7)
	assert.NotContains(buf.String(), "quiet")
	assert.Contains(buf.String(), `"comment":7`)

	_, err = SetupSlog(buf, LogOptions{LogLevel: "verbose"})
	assert.Error(err)
	_, err = SetupSlog(buf, LogOptions{LogFormat: "xml"})
	assert.Error(err)
}

func TestSetupDatabaseRejectsUnknown(t *testing.T) {
	_, err := SetupDatabase("mysql://localhost/guestbook", 10)
	assert.Error(t, err)
}

func TestSetupDatabaseSqliteMemory(t *testing.T) {
	assert := assert.New(t)
	db, err := SetupDatabase("sqlite://:memory:", 10)
	assert.NoError(err)
	assert.NoError(db.Exec("SELECT 1").Error)
}
