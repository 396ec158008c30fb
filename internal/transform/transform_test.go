package transform

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/robolog/internal/errs"
)

func TestBuilderChains(t *testing.T) {
	b := NewBuilder()
	same := b.WithTopicRename("/a", "/b").
		WithTypeRename("x/A", "y/A").
		WithTopicRenameWildcard("/r1/*", "/r/*").
		WithTypeRenameWildcard("old/*", "new/*").
		WithTopicTypeRename("/imu", "old/Imu", "custom/Imu")
	assert.Same(t, b, same)
	assert.Equal(t, 5, b.Len())

	rules := b.Build().Rules()
	require.Len(t, rules, 5)
	assert.Equal(t, KindTopic, rules[0].Kind)
	assert.Equal(t, KindTopicType, rules[4].Kind)
	assert.Equal(t, "/imu", rules[4].Topic)
}

func TestApply(t *testing.T) {
	rs := NewBuilder().
		WithTopicRename("/a", "/x").
		WithTopicRenameWildcard("/a*", "/y*").
		WithTopicRenameWildcard("/robot1/*", "/robot/*").
		WithTopicRenameWildcard("/robot*", "/never/*").
		WithTopicRename("/custom/imu", "/renamed/imu").
		WithTypeRename("sensor_msgs/msg/Imu", "my_msgs/msg/Imu").
		WithTypeRenameWildcard("old_pkg/*", "new_pkg/*").
		WithTopicTypeRename("/custom/imu", "sensor_msgs/msg/Imu", "custom_msgs/msg/Imu").
		Build()

	tests := []struct {
		name      string
		topic     string
		typ       string
		wantTopic string
		wantType  string
		topicRen  bool
		typeRen   bool
	}{
		{"exact beats wildcard", "/a", "std_msgs/String", "/x", "std_msgs/String", true, false},
		{"wildcard topic", "/abc", "std_msgs/String", "/ybc", "std_msgs/String", true, false},
		{"first wildcard wins", "/robot1/imu/data", "t", "/robot/imu/data", "t", true, false},
		{"later wildcard", "/robot2/imu", "t", "/never/2/imu", "t", true, false},
		{"type exact", "/b", "sensor_msgs/msg/Imu", "/b", "my_msgs/msg/Imu", false, true},
		{"type wildcard", "/b", "old_pkg/msg/Pose", "/b", "new_pkg/msg/Pose", false, true},
		{"both axes", "/a", "old_pkg/T", "/x", "new_pkg/T", true, true},
		{"override short-circuits", "/custom/imu", "sensor_msgs/msg/Imu", "/custom/imu", "custom_msgs/msg/Imu", false, true},
		{"override needs type match", "/custom/imu", "other/Imu", "/renamed/imu", "other/Imu", true, false},
		{"no match", "/z", "z/Z", "/z", "z/Z", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rs.Apply(tt.topic, tt.typ)
			assert.Equal(t, tt.wantTopic, got.Topic)
			assert.Equal(t, tt.wantType, got.Type)
			assert.Equal(t, tt.topicRen, got.TopicRenamed)
			assert.Equal(t, tt.typeRen, got.TypeRenamed)
			assert.Equal(t, tt.topicRen || tt.typeRen, got.Changed())
		})
	}
}

func TestWildcardQuotesMetacharacters(t *testing.T) {
	rs := NewBuilder().WithTopicRenameWildcard("/cam.(left)/*", "/cam/left/*").Build()
	assert.Equal(t, "/cam/left/raw", rs.Apply("/cam.(left)/raw", "").Topic)
	assert.Equal(t, "/camX(left)/raw", rs.Apply("/camX(left)/raw", "").Topic)
}

func TestWildcardWithFixedTarget(t *testing.T) {
	rs := NewBuilder().
		WithTopicRenameWildcard("/debug/*", "/debug").
		WithTypeRenameWildcard("*/*", "pair/*/*").
		Build()
	assert.Equal(t, "/debug", rs.Apply("/debug/anything/deep", "").Topic)
	assert.Equal(t, "pair/a/b", rs.Apply("/x", "a/b").Type)
}

func TestNilAndEmptyRuleSets(t *testing.T) {
	var nilSet *RuleSet
	assert.True(t, nilSet.Empty())
	assert.Nil(t, nilSet.Rules())
	assert.Equal(t, Result{Topic: "/t", Type: "T"}, nilSet.Apply("/t", "T"))

	empty := NewBuilder().Build()
	assert.True(t, empty.Empty())
	assert.False(t, empty.Apply("/t", "T").Changed())
}

func TestBuildIsASnapshot(t *testing.T) {
	b := NewBuilder().WithTopicRename("/a", "/b")
	first := b.Build()
	b.WithTopicRename("/c", "/d")
	assert.Equal(t, "/c", first.Apply("/c", "").Topic)
	assert.Equal(t, "/d", b.Build().Apply("/c", "").Topic)
}

func TestWithRuleReportsUnknownKinds(t *testing.T) {
	b := NewBuilder().WithRule(Rule{Kind: KindTopic, From: "/a", To: "/b"})
	require.NoError(t, b.Err())

	b.WithRule(Rule{Kind: "bogus", From: "/c", To: "/d"})
	assert.Equal(t, 1, b.Len())
	err := b.Err()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidArgument))
	assert.Equal(t, "bogus", errs.ContextOf(err))
	assert.Contains(t, err.Error(), `"/c"`)
}

func TestConcurrentApply(t *testing.T) {
	rs := NewBuilder().WithTopicRenameWildcard("/r*/imu", "/robot*/imu").Build()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				assert.Equal(t, "/robot7/imu", rs.Apply("/r7/imu", "").Topic)
			}
		}()
	}
	wg.Wait()
}

func TestPackageOf(t *testing.T) {
	cases := map[string]string{
		"sensor_msgs/msg/Imu": "sensor_msgs",
		"sensor_msgs/Imu":     "sensor_msgs",
		"nmx.msg.Lowdim":      "nmx.msg",
		".nmx.msg.Lowdim":     "nmx.msg",
		"Plain":               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, PackageOf(in), in)
	}
}

func TestRewriteSchema(t *testing.T) {
	ros := []byte("old_pkg/msg/Header header\nold_pkg/Point p\nfloat64 x\n")
	got := RewriteSchema(ros, "old_pkg/msg/Pose", "new_pkg/msg/Pose")
	assert.Equal(t, "new_pkg/msg/Header header\nnew_pkg/Point p\nfloat64 x\n", string(got))

	idl := []byte("module old_pkg {\n  module msg {\n    struct Pose { old_pkg::msg::Point p; };\n  };\n};\n")
	got = RewriteSchema(idl, "old_pkg/msg/Pose", "new_pkg/msg/Pose")
	assert.Equal(t, "module new_pkg {\n  module msg {\n    struct Pose { new_pkg::msg::Point p; };\n  };\n};\n", string(got))

	proto := []byte("package nmx.msg;\nmessage Lowdim { nmx.msg.Joint j = 1; }")
	got = RewriteSchema(proto, "nmx.msg.Lowdim", "acme.msg.Lowdim")
	assert.Equal(t, "package nmx.msg;\nmessage Lowdim { acme.msg.Joint j = 1; }", string(got))

	same := []byte("pkg/Header h")
	assert.Equal(t, same, RewriteSchema(same, "pkg/A", "pkg/B"))
	assert.Equal(t, same, RewriteSchema(same, "A", "other/B"))
}
