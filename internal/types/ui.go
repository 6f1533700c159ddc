package types

// BoneTopology lists the joint index pairs drawn as bones.
var BoneTopology = [16][2]int{
	{0, 1}, {0, 2}, {1, 3}, {2, 4}, {3, 4}, {3, 5}, {4, 6},
	{5, 7}, {6, 8}, {3, 9}, {4, 10}, {9, 10}, {9, 11},
	{11, 13}, {10, 12}, {12, 14},
}

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Bone struct {
	Start Vec3 `json:"start"`
	End   Vec3 `json:"end"`
}

// RenderState is the scene geometry derived from the latest pose.
type RenderState struct {
	Joints [JointCount]Vec3        `json:"joints"`
	Bones  [len(BoneTopology)]Bone `json:"bones"`
}

// PoseView is what the viewer reports for a pose surface.
type PoseView struct {
	Type     string      `json:"type"`
	Surface  string      `json:"surface"`
	Session  string      `json:"session"`
	State    RenderState `json:"state"`
	Overlay  string      `json:"overlay"`
	Updates  uint64      `json:"updates"`
	Redraws  uint64      `json:"redraws"`
	Received string      `json:"received,omitempty"`
}
