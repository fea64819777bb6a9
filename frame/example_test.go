package frame_test

import (
	"fmt"

	"github.com/horus-robotics/horus/frame"
)

// ExampleGraph_Tf demonstrates registering a frame, publishing a
// sample, and resolving a transform back to its parent.
func ExampleGraph_Tf() {
	g := frame.NewGraph(frame.Options{})
	g.Register("world", "")
	g.Register("robot", "world")
	g.Update("robot", frame.FromTranslation(frame.Vec3{1, 2, 0}), 0)

	tf, err := g.Tf("robot", "world")
	if err != nil {
		fmt.Println("Tf:", err)
		return
	}
	fmt.Println(tf.Translation)

	// Output:
	// [1 2 0]
}
