package filter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/astromechza/usersync/pkg/users"
)

func hundredUsers() []users.User {
	out := make([]users.User, 0, 100)
	for i := 0; i < 100; i++ {
		out = append(out, users.New(int64(i), fmt.Sprintf("user%dlogin", i), fmt.Sprintf("user%davatarurl", i)))
	}
	return out
}

func TestIndicesSubstring(t *testing.T) {
	set := hundredUsers()
	got := Apply(set, "user3")

	ids := make([]int64, 0, len(got))
	for _, u := range got {
		ids = append(ids, u.ID)
	}
	assert.Equal(t, []int64{3, 30, 31, 32, 33, 34, 35, 36, 37, 38, 39}, ids)
}

func TestIndicesCaseInsensitive(t *testing.T) {
	set := []users.User{
		users.New(1, "Octocat", ""),
		users.New(2, "mojombo", ""),
		users.New(3, "OCTO-bot", ""),
	}
	assert.Equal(t, []int{0, 2}, Indices(set, "octo"))
	assert.Equal(t, []int{1}, Indices(set, "MOJO"))
}

func TestEmptyTermIsNotFiltering(t *testing.T) {
	set := hundredUsers()
	assert.Nil(t, Indices(set, ""))
	assert.Len(t, Apply(set, ""), 100)
	assert.True(t, Match("anything", ""))
}

func TestNoMatches(t *testing.T) {
	idx := Indices(hundredUsers(), "nobody")
	assert.NotNil(t, idx)
	assert.Empty(t, idx)
}

func TestPreservesOrder(t *testing.T) {
	set := []users.User{
		users.New(9, "bx", ""),
		users.New(1, "ax", ""),
		users.New(5, "cx", ""),
	}
	got := Apply(set, "X")
	assert.Equal(t, int64(9), got[0].ID)
	assert.Equal(t, int64(1), got[1].ID)
	assert.Equal(t, int64(5), got[2].ID)
}
