package kafka

import (
	"testing"

	"github.com/IBM/sarama"

	"github.com/madcok-co/relay/core/pkg/contracts"
)

func TestGroupID(t *testing.T) {
	if got := GroupID("orders", "order-events"); got != "orders-order-events" {
		t.Errorf("GroupID = %q", got)
	}
}

func TestShouldProcess(t *testing.T) {
	own := "orders-order-events"
	cases := []struct {
		name    string
		groupID string
		count   int
		want    bool
	}{
		{"fresh publish", "", 0, true},
		{"fresh publish with stray count", "", 3, true},
		{"own retry", own, 1, true},
		{"own retry deep", own, 5, true},
		{"own group but zero count", own, 0, false},
		{"another group's retry", "payments-order-events", 2, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := shouldProcess(tc.groupID, tc.count, own); got != tc.want {
				t.Errorf("shouldProcess(%q, %d) = %v, want %v", tc.groupID, tc.count, got, tc.want)
			}
		})
	}
}

func TestRetryHeaders(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		headers := []*sarama.RecordHeader{
			{Key: []byte(contracts.HeaderGroupID), Value: []byte("orders-order-events")},
			{Key: []byte(contracts.HeaderCountOfRetry), Value: []byte("3")},
			{Key: []byte("traceparent"), Value: []byte("ignored")},
		}
		group, count := retryHeaders(headers)
		if group != "orders-order-events" || count != 3 {
			t.Errorf("retryHeaders = %q, %d", group, count)
		}
	})

	t.Run("absent reads as fresh", func(t *testing.T) {
		group, count := retryHeaders(nil)
		if group != "" || count != 0 {
			t.Errorf("retryHeaders = %q, %d", group, count)
		}
	})

	t.Run("malformed count reads as zero", func(t *testing.T) {
		headers := []*sarama.RecordHeader{
			{Key: []byte(contracts.HeaderCountOfRetry), Value: []byte("many")},
			nil,
		}
		group, count := retryHeaders(headers)
		if group != "" || count != 0 {
			t.Errorf("retryHeaders = %q, %d", group, count)
		}
	})
}

func TestBuildSaramaConfig(t *testing.T) {
	d := NewDriver(&Config{
		Brokers:       []string{"localhost:9092"},
		Service:       "orders",
		ClientID:      "orders",
		Version:       "3.6.0",
		UseSASL:       true,
		SASLMechanism: "PLAIN",
		SASLUser:      "u",
		SASLPassword:  "p",
	}, nil, nil)

	cfg := d.buildSaramaConfig()
	if cfg.Consumer.Offsets.Initial != sarama.OffsetOldest {
		t.Error("initial offset is not earliest")
	}
	if cfg.Consumer.Offsets.AutoCommit.Enable {
		t.Error("auto-commit must stay disabled, offsets commit after dispatch")
	}
	if !cfg.Net.SASL.Enable || cfg.Net.SASL.User != "u" {
		t.Error("SASL not applied")
	}
	if cfg.Version != sarama.V3_6_0_0 {
		t.Errorf("version = %v", cfg.Version)
	}
}

func TestBuildSaramaConfigBadVersion(t *testing.T) {
	d := NewDriver(&Config{Version: "not-a-version"}, nil, nil)
	if got := d.buildSaramaConfig().Version; got != sarama.V2_8_0_0 {
		t.Errorf("fallback version = %v", got)
	}
}
