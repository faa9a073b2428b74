package pkg

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_GetRedisClient(t *testing.T) {
	assert.Equal(t, reflect.TypeOf(NewRedisClient("", "", "")), reflect.TypeOf(GetRedisClient()))
}

func Test_BuildKey(t *testing.T) {
	assert.Equal(t, "gotoc:data:node-a:x", BuildDataKey("node-a", "x"))
	assert.Equal(t, "gotoc:version:node-a:x", BuildVersionKey("node-a", "x"))
	assert.Equal(t, "gotoc:lock:node-a:x", BuildDataLockKey("node-a", "x"))
	assert.Equal(t, "gotoc:outcome:lock", BuildOutcomeLockKey())
}
