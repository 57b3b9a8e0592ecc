package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"gryffen/internal/cli"
	"gryffen/internal/compose"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/testutils"
)

var repoRoot = filepath.Join("..", "..")

func testEnv() (cli.Env, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	lookup := func(string) (string, bool) { return "", false }
	return cli.Env{Lookup: lookup, Stdout: &stdout, Stderr: &stderr}, &stdout, &stderr
}

func noContainers(context.Context, string) string { return "" }

func TestLintShippedFiles(t *testing.T) {
	for _, files := range [][]string{
		{"-f", "docker-compose.yml"},
		{"-f", "docker-compose.yml", "-f", "docker-compose.dev.yml"},
	} {
		env, stdout, stderr := testEnv()
		args := append([]string{"lint", "--project-directory", repoRoot}, files...)
		code := run(context.Background(), args, env, noContainers)
		assert.Equal(t, apperrors.ExitOK, code, stderr.String())
		assert.Contains(t, stdout.String(), "gryffen: ok")
		assert.NotContains(t, stdout.String(), compose.RuleOrderingGap)
	}
}

func TestLintReportsOrderingGap(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	suite.CreateTempFile("docker-compose.yml", `
name: gap
services:
  db:
    image: mysql:8.0
    healthcheck:
      test: ["CMD", "true"]
  migrator:
    image: app
    restart: "no"
    depends_on:
      db:
        condition: service_healthy
  api:
    image: app
    restart: always
    depends_on:
      db:
        condition: service_healthy
`)

	env, stdout, _ := testEnv()
	code := run(context.Background(), []string{"lint", "--project-directory", suite.TempDir}, env, noContainers)
	assert.Equal(t, apperrors.ExitConfig, code)
	assert.Contains(t, stdout.String(), compose.RuleOrderingGap)
}

func TestConfigPrintsMergedProject(t *testing.T) {
	env, stdout, stderr := testEnv()
	code := run(context.Background(), []string{
		"config", "--project-directory", repoRoot, "-f", "docker-compose.yml", "-f", "docker-compose.dev.yml",
	}, env, noContainers)
	require.Equal(t, apperrors.ExitOK, code, stderr.String())

	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(stdout.Bytes(), &doc))
	services, ok := doc["services"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, services, "api")
	assert.Contains(t, stdout.String(), "GRYFFEN_RELOAD")
}

func TestPsListsStartOrderAndState(t *testing.T) {
	env, stdout, stderr := testEnv()
	inspect := func(_ context.Context, container string) string {
		if container == "gryffen-db" {
			return "running (healthy)"
		}
		return ""
	}

	code := run(context.Background(), []string{"ps", "--project-directory", repoRoot}, env, inspect)
	require.Equal(t, apperrors.ExitOK, code, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "running (healthy)")
	assert.Contains(t, out, "one-shot")
	assert.Contains(t, out, "migrator:service_completed_successfully")
	assert.Contains(t, out, "6m40s")
	db := bytes.Index(stdout.Bytes(), []byte("db "))
	api := bytes.Index(stdout.Bytes(), []byte("api "))
	assert.Less(t, db, api)
}

func TestUpRejectsUnknownDriver(t *testing.T) {
	env, _, _ := testEnv()
	code := run(context.Background(), []string{"up", "--project-directory", repoRoot, "--driver", "podman"}, env, noContainers)
	assert.Equal(t, apperrors.ExitUsage, code)
}

func TestMissingComposeFile(t *testing.T) {
	env, _, _ := testEnv()
	code := run(context.Background(), []string{"lint", "--project-directory", t.TempDir()}, env, noContainers)
	assert.Equal(t, apperrors.ExitConfig, code)
}
