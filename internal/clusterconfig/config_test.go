package clusterconfig

import "testing"

func TestParsePeers(t *testing.T) {
	peers, err := ParsePeers("node2=10.0.0.2:9001,node3=10.0.0.3:9001?permafollower=true")
	if err != nil {
		t.Fatalf("ParsePeers failed: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	if peers[0].Name != "node2" || peers[0].Address != "10.0.0.2:9001" || peers[0].Permafollower {
		t.Errorf("peer[0] = %+v, unexpected", peers[0])
	}
	if peers[1].Name != "node3" || peers[1].Address != "10.0.0.3:9001" || !peers[1].Permafollower {
		t.Errorf("peer[1] = %+v, unexpected", peers[1])
	}
}

func TestParsePeersEmpty(t *testing.T) {
	peers, err := ParsePeers("")
	if err != nil {
		t.Fatalf("ParsePeers(\"\") should not error: %v", err)
	}
	if peers != nil {
		t.Errorf("ParsePeers(\"\") = %+v, want nil", peers)
	}
}

func TestParsePeersInvalid(t *testing.T) {
	cases := []string{"badentry", "node2=not-a-host-port", "node2="}
	for _, c := range cases {
		if _, err := ParsePeers(c); err == nil {
			t.Errorf("ParsePeers(%q) should have failed", c)
		}
	}
}

func validConfig() *Config {
	return &Config{
		NodeName:           "node1",
		ListenAddress:      "127.0.0.1:9001",
		ReplicationThreads: 4,
		StoreEngine:        "mem",
		Peers: []Peer{
			{Name: "node2", Address: "127.0.0.1:9002"},
			{Name: "node3", Address: "127.0.0.1:9003", Permafollower: true},
		},
	}
}

func TestValidateOK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidateRejectsSelfInPeerList(t *testing.T) {
	c := validConfig()
	c.Peers = append(c.Peers, Peer{Name: "node1", Address: "127.0.0.1:9099"})
	if err := c.Validate(); err == nil {
		t.Error("expected error when peer list includes own name")
	}
}

func TestValidateRejectsDuplicatePeer(t *testing.T) {
	c := validConfig()
	c.Peers = append(c.Peers, Peer{Name: "node2", Address: "127.0.0.1:9099"})
	if err := c.Validate(); err == nil {
		t.Error("expected error for duplicate peer name")
	}
}

func TestValidateRejectsBadStoreEngine(t *testing.T) {
	c := validConfig()
	c.StoreEngine = "sqlite"
	if err := c.Validate(); err == nil {
		t.Error("expected error for unknown store engine")
	}
}

func TestValidateRejectsZeroReplicationThreads(t *testing.T) {
	c := validConfig()
	c.ReplicationThreads = 0
	if err := c.Validate(); err == nil {
		t.Error("expected error for zero replication threads")
	}
}
