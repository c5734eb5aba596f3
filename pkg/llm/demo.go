package llm

import (
	"context"
	"io"
	"time"
)

// DemoFragments 是演示模式下固定输出的回答片段。
var DemoFragments = []string{
	"This is a demo response. ",
	"No language model is configured, ",
	"so this canned answer shows how replies ",
	"are streamed to the page piece by piece.",
}

// DemoClient 在未配置模型时输出固定片段，每个片段前等待 Delay。
type DemoClient struct {
	Fragments []string
	Delay     time.Duration
}

// NewDemoClient 创建使用默认片段的演示客户端。
func NewDemoClient(delay time.Duration) *DemoClient {
	return &DemoClient{Fragments: DemoFragments, Delay: delay}
}

func (c *DemoClient) StreamChat(ctx context.Context, _ []Message, _ GenerationParams) (Stream, error) {
	return &demoStream{ctx: ctx, fragments: c.Fragments, delay: c.Delay}, nil
}

type demoStream struct {
	ctx       context.Context
	fragments []string
	delay     time.Duration
	pos       int
	closed    bool
}

func (s *demoStream) Recv() (string, error) {
	if s.closed || s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return "", s.ctx.Err()
		case <-timer.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		return "", err
	}
	f := s.fragments[s.pos]
	s.pos++
	return f, nil
}

func (s *demoStream) Close() error {
	s.closed = true
	return nil
}
