package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chainledger/chainledger/pkg/report"
)

func TestExitCodeDistinguishesPartialRuns(t *testing.T) {
	assert.Equal(t, 0, exitCode(report.StatusComplete))
	assert.Equal(t, 2, exitCode(report.StatusPartial), "partial runs finish but must not look clean")
	assert.Equal(t, 1, exitCode(report.StatusFailed))
}
