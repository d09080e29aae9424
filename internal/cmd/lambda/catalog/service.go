//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/fogfish/swarm"
)

type Crawler interface {
	StartCrawler(ctx context.Context, params *glue.StartCrawlerInput, optFns ...func(*glue.Options)) (*glue.StartCrawlerOutput, error)
}

type Service struct {
	api     Crawler
	crawler string
	prefix  string
}

func New(api Crawler, crawler string, prefix string) *Service {
	if prefix == "" {
		prefix = "reports/"
	}

	return &Service{
		api:     api,
		crawler: crawler,
		prefix:  prefix,
	}
}

func (s *Service) Run(rcv <-chan swarm.Msg[*events.S3EventRecord], ack chan<- swarm.Msg[*events.S3EventRecord]) {
	for msg := range rcv {
		evt := msg.Object
		if evt == nil {
			ack <- msg
			continue
		}

		key := evt.S3.Object.Key
		if !strings.HasPrefix(key, s.prefix) {
			ack <- msg
			continue
		}

		_, err := s.api.StartCrawler(context.Background(),
			&glue.StartCrawlerInput{Name: aws.String(s.crawler)},
		)
		if err != nil {
			// reports arrive in bursts, the running crawler picks them up
			var running *types.CrawlerRunningException
			if errors.As(err, &running) {
				slog.Debug("crawler is running", "crawler", s.crawler, "key", key)
				ack <- msg
				continue
			}

			slog.Error("crawler failed", "crawler", s.crawler, "key", key, "err", err)
			ack <- msg.Fail(err)
			continue
		}

		slog.Info("crawler started", "crawler", s.crawler, "key", key)
		ack <- msg
	}
}
