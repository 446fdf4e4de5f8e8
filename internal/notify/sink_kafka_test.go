package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKafkaSink_Topic(t *testing.T) {
	assert.Equal(t, "factora.changes.unit.FA", NewKafkaSink(nil, "factora").Topic(UnitChannel("FA")))
	assert.Equal(t, "changes.global", NewKafkaSink(nil, "").Topic(GlobalChannel))
	assert.Equal(t, "kafka", NewKafkaSink(nil, "x").Name())
}
