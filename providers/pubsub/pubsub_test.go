package pubsub

import (
	"encoding/json"
	"strings"
	"testing"
	"testing/synctest"

	"github.com/alecthomas/assert/v2"
)

type User struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func (u User) EventID() string { return u.Name }

type LeaseGranted struct {
	Cookie string `json:"cookie"`
}

func TestEventSerialisation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := NewEvent(User{Name: "Bob", Age: 30})
		data, err := e.MarshalJSON()
		assert.NoError(t, err)
		assert.Equal(t, `{
  "specversion": "1.0",
  "type": "github.com/alecthomas/landlord/providers/pubsub.User",
  "source": "github.com/alecthomas/landlord/providers/pubsub.TestEventSerialisation.func1",
  "time": "2000-01-01T00:00:00Z",
  "id": "Bob",
  "datacontenttype": "application/json; charset=utf-8",
  "data": {
    "name": "Bob",
    "age": 30
  }
}`, string(data))

		var decoded Event[User]
		assert.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, "Bob", decoded.ID())
		assert.Equal(t, e.Source(), decoded.Source())
		assert.Equal(t, e.Payload(), decoded.Payload())
	})
}

func TestNames(t *testing.T) {
	assert.Equal(t, "pubsub.lease_granted", TopicName[LeaseGranted]())
	assert.Equal(t, "pubsub.user", TopicName[*User]())
	id := NewEvent(LeaseGranted{Cookie: "r1"}).ID()
	assert.True(t, strings.HasPrefix(id, "lease_granted_"), "%s", id)
}
