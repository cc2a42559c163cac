package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNS rejects messages above 256KB.
const maxNotificationBytes = 256 * 1024

func NewSNSNotifier(ctx context.Context, appConfig AppConfig) (Notifier, error) {
	var notifier Notifier

	region := appConfig.Notify.Region
	if region == "" {
		region = appConfig.Provider.Region
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if appConfig.Notify.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(appConfig.Notify.Profile))
	}

	cfg, cfgErr := config.LoadDefaultConfig(ctx, opts...)
	if cfgErr != nil {
		return notifier, cfgErr
	}
	snsClient := &SNSClient{sns.NewFromConfig(cfg)}
	notifier = &SNSNotifier{Client: snsClient, Topic: appConfig.Notify.Topic}

	return notifier, nil
}

type SNSClientIface interface {
	PublishMessage(ctx context.Context, msg *sns.PublishInput) error
}

type SNSClient struct {
	Client *sns.Client
}

func (s *SNSClient) PublishMessage(ctx context.Context, msg *sns.PublishInput) error {
	_, publishErr := s.Client.Publish(ctx, msg)
	return publishErr
}

type SNSNotifier struct {
	Client SNSClientIface
	Topic  string
}

type NotificationContext struct {
	Action string
	Key    FileKey
	Error  error
}

func (s *SNSNotifier) NotifySyncResults(ctx context.Context, syncConfig SyncConfig, resultMap *ResultMap, syncErr error) error {
	failures := collectFailures(resultMap)

	status := "succeeded"
	if syncErr != nil || len(failures) > 0 {
		status = "failed"
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Status: %s\n", status)
	body.WriteString(resultMap.Summary())
	body.WriteString("\n")
	fmt.Fprintf(&body, "Duration: %s\n", resultMap.Duration)
	if syncErr != nil {
		fmt.Fprintf(&body, "Error: %s\n", syncErr)
	}
	body.WriteString("\n")
	for _, failure := range failures {
		entry := fmt.Sprintf("Action: %s\nKey: %s\nError: %s\n\n", failure.Action, failure.Key, failure.Error)
		if body.Len()+len(entry) > maxNotificationBytes {
			body.WriteString("(further failures omitted)\n")
			break
		}
		body.WriteString(entry)
	}

	snsPublishReq := &sns.PublishInput{
		Message:  aws.String(body.String()),
		TopicArn: aws.String(s.Topic),
		Subject:  aws.String(fmt.Sprintf("Sync results: %s -> %s", syncConfig.SourceFolder, syncConfig.DestinationBucket)),
	}

	return s.Client.PublishMessage(ctx, snsPublishReq)
}

func collectFailures(resultMap *ResultMap) []NotificationContext {
	resultMap.lock.Lock()
	defer resultMap.lock.Unlock()

	failures := make([]NotificationContext, 0)
	for _, group := range []struct {
		action  string
		results map[FileKey]error
	}{
		{"Upload", resultMap.Added},
		{"Update", resultMap.Changed},
		{"Delete", resultMap.Delete},
	} {
		for key, err := range group.results {
			if err != nil {
				failures = append(failures, NotificationContext{Action: group.action, Key: key, Error: err})
			}
		}
	}
	sort.Slice(failures, func(i, j int) bool {
		if failures[i].Key != failures[j].Key {
			return failures[i].Key < failures[j].Key
		}
		return failures[i].Action < failures[j].Action
	})

	return failures
}
