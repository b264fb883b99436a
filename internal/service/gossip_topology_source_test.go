package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/gridcache/internal/model"
)

func TestGossipTopologySource_MetaRoundTrip(t *testing.T) {
	local := []*model.Node{
		{ID: "node-1", Order: 1, Host: "10.0.0.1", DataCenterID: 2, Attributes: map[string]string{"rack": "a"}},
		{ID: "client-1", Order: 2, Client: true},
	}
	s, err := NewGossipTopologySource(GossipConfig{NodeName: "proc-1"}, local, zap.NewNop())
	require.NoError(t, err)

	meta := s.NodeMeta(512)
	require.NotEmpty(t, meta)
	assert.Nil(t, s.NodeMeta(1))

	nodes, err := decodeNodeMeta(meta)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-1", nodes[0].ID)
	assert.Equal(t, "10.0.0.1", nodes[0].Host)
	assert.Equal(t, uint8(2), nodes[0].DataCenterID)
	assert.Equal(t, "a", nodes[0].Attributes["rack"])
	assert.True(t, nodes[0].Alive)
	assert.True(t, nodes[1].Client)

	_, err = decodeNodeMeta([]byte("not cbor"))
	assert.Error(t, err)
}

func TestGossipTopologySource_Apply(t *testing.T) {
	s, err := NewGossipTopologySource(GossipConfig{NodeName: "proc-1"}, nil, zap.NewNop())
	require.NoError(t, err)

	var published []*model.TopologySnapshot
	s.Subscribe(func(topology *model.TopologySnapshot) {
		published = append(published, topology)
	})

	encode := func(nodes ...*model.Node) []byte {
		b, err := s.encodeMeta(nodes)
		require.NoError(t, err)
		return b
	}
	n1 := &model.Node{ID: "node-1", Order: 1}
	n2 := &model.Node{ID: "node-2", Order: 2}
	n3 := &model.Node{ID: "node-3", Order: 3}

	s.apply([]memberInfo{{Name: "a", Meta: encode(n1)}, {Name: "router"}})
	require.Len(t, published, 1)
	assert.Equal(t, int64(1), s.Current().Version)
	assert.Equal(t, 1, s.Current().Size())

	// Members that do not change the node set publish nothing
	s.apply([]memberInfo{{Name: "a", Meta: encode(n1)}, {Name: "router"}, {Name: "garbage", Meta: []byte{0xff}}})
	assert.Len(t, published, 1)

	s.apply([]memberInfo{{Name: "a", Meta: encode(n1)}, {Name: "b", Meta: encode(n2, n3)}})
	require.Len(t, published, 2)
	assert.Equal(t, int64(2), published[1].Version)
	assert.Equal(t, 3, published[1].Size())

	s.apply([]memberInfo{{Name: "b", Meta: encode(n2, n3)}})
	require.Len(t, published, 3)
	assert.Equal(t, int64(3), s.Current().Version)
	_, ok := s.Current().Node("node-1")
	assert.False(t, ok)
}

func TestGossipTopologySource_SetLocalNodesBeforeStart(t *testing.T) {
	s, err := NewGossipTopologySource(GossipConfig{NodeName: "proc-1"}, nil, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.SetLocalNodes([]*model.Node{{ID: "node-9", Order: 9}}))
	nodes, err := decodeNodeMeta(s.NodeMeta(512))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-9", nodes[0].ID)
}
