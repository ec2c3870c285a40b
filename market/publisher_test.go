package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublisher(t *testing.T) {
	p := NewPublisher()
	ch := p.SubscribeDepth()
	p.PublishDepth(Depth{Bid: 1, Ask: 2})
	got := <-ch
	assert.Equal(t, 1.0, got.Bid)
	assert.Equal(t, 2.0, got.Ask)

	// 订阅者未消费时不阻塞
	p.PublishDepth(Depth{Bid: 3, Ask: 4})
	p.PublishDepth(Depth{Bid: 5, Ask: 6})
	assert.Equal(t, 3.0, (<-ch).Bid)
}
