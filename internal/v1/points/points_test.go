package points

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAward_Call(t *testing.T) {
	assert.Equal(t, 50, Award(10, Call))  // 50s < 2min
	assert.Equal(t, 100, Award(60, Call)) // 300s == 5min
	assert.Equal(t, 200, Award(120, Call))
	assert.Equal(t, 250, Award(200, Call))
}

func TestAward_Chat(t *testing.T) {
	assert.Equal(t, 0, Award(10, Chat))   // 50s < 3min
	assert.Equal(t, 25, Award(60, Chat))  // 300s == 5min
	assert.Equal(t, 50, Award(100, Chat)) // 500s <= 540s
	assert.Equal(t, 75, Award(200, Chat))
}

func TestAward_UnknownRoomType(t *testing.T) {
	assert.Equal(t, 0, Award(100, RoomType(99)))
}
