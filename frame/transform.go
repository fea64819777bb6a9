package frame

import "math"

// Transform is a rigid-body transform: a rotation followed by a
// translation (p' = R*p + t), carrying a child frame's pose relative
// to its parent.
type Transform struct {
	Translation Vec3
	Rotation    Quaternion
}

// Identity is the transform with no translation or rotation.
func Identity() Transform {
	return Transform{Rotation: IdentityQuaternion}
}

// FromTranslation builds a translation-only transform.
func FromTranslation(t Vec3) Transform {
	return Transform{Translation: t, Rotation: IdentityQuaternion}
}

// FromEuler builds a transform from a translation and roll/pitch/yaw
// Euler angles in radians.
func FromEuler(t Vec3, roll, pitch, yaw float64) Transform {
	return Transform{Translation: t, Rotation: QuaternionFromEuler(roll, pitch, yaw)}
}

// ToEuler returns the transform's rotation as roll/pitch/yaw radians.
func (t Transform) ToEuler() (roll, pitch, yaw float64) {
	return t.Rotation.ToEuler()
}

// Compose returns the transform equivalent to applying other first,
// then t: t.Compose(other) maps points expressed in other's child
// frame all the way into t's parent frame.
func (t Transform) Compose(other Transform) Transform {
	return Transform{
		Translation: t.Translation.Add(t.Rotation.RotateVector(other.Translation)),
		Rotation:    t.Rotation.Mul(other.Rotation).Normalized(),
	}
}

// Inverse returns the transform that undoes t.
func (t Transform) Inverse() Transform {
	inv := t.Rotation.Conjugate()
	return Transform{
		Translation: inv.RotateVector(t.Translation).Scale(-1),
		Rotation:    inv,
	}
}

// TransformPoint maps a point from t's child frame into t's parent
// frame.
func (t Transform) TransformPoint(p Vec3) Vec3 {
	return t.Translation.Add(t.Rotation.RotateVector(p))
}

// TransformVector maps a free vector (rotation only, no translation).
func (t Transform) TransformVector(v Vec3) Vec3 {
	return t.Rotation.RotateVector(v)
}

// TranslationMagnitude is the distance represented by t's
// translation component.
func (t Transform) TranslationMagnitude() float64 {
	return t.Translation.Norm()
}

// RotationAngle is the angle in radians represented by t's rotation
// component.
func (t Transform) RotationAngle() float64 {
	return t.Rotation.Angle()
}

// Interpolate blends between t and other at parameter alpha in
// [0, 1]: translation is linearly interpolated, rotation is SLERPed.
func (t Transform) Interpolate(other Transform, alpha float64) Transform {
	return Transform{
		Translation: Vec3{
			t.Translation[0] + (other.Translation[0]-t.Translation[0])*alpha,
			t.Translation[1] + (other.Translation[1]-t.Translation[1])*alpha,
			t.Translation[2] + (other.Translation[2]-t.Translation[2])*alpha,
		},
		Rotation: t.Rotation.Slerp(other.Rotation, alpha),
	}
}

// ToMatrix returns t as a row-major 4x4 homogeneous transformation
// matrix.
func (t Transform) ToMatrix() [4][4]float64 {
	q := t.Rotation
	x2, y2, z2 := q.X+q.X, q.Y+q.Y, q.Z+q.Z
	xx, xy, xz := q.X*x2, q.X*y2, q.X*z2
	yy, yz, zz := q.Y*y2, q.Y*z2, q.Z*z2
	wx, wy, wz := q.W*x2, q.W*y2, q.W*z2

	return [4][4]float64{
		{1 - (yy + zz), xy - wz, xz + wy, t.Translation[0]},
		{xy + wz, 1 - (xx + zz), yz - wx, t.Translation[1]},
		{xz - wy, yz + wx, 1 - (xx + yy), t.Translation[2]},
		{0, 0, 0, 1},
	}
}

// FromMatrix recovers a Transform from a row-major 4x4 homogeneous
// transformation matrix. The caller is responsible for passing a
// matrix whose upper-left 3x3 block is a proper rotation.
func FromMatrix(m [4][4]float64) Transform {
	trace := m[0][0] + m[1][1] + m[2][2]
	var q Quaternion
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = Quaternion{
			X: (m[2][1] - m[1][2]) * s,
			Y: (m[0][2] - m[2][0]) * s,
			Z: (m[1][0] - m[0][1]) * s,
			W: 0.25 / s,
		}
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := 2 * math.Sqrt(1+m[0][0]-m[1][1]-m[2][2])
		q = Quaternion{
			X: 0.25 * s,
			Y: (m[0][1] + m[1][0]) / s,
			Z: (m[0][2] + m[2][0]) / s,
			W: (m[2][1] - m[1][2]) / s,
		}
	case m[1][1] > m[2][2]:
		s := 2 * math.Sqrt(1+m[1][1]-m[0][0]-m[2][2])
		q = Quaternion{
			X: (m[0][1] + m[1][0]) / s,
			Y: 0.25 * s,
			Z: (m[1][2] + m[2][1]) / s,
			W: (m[0][2] - m[2][0]) / s,
		}
	default:
		s := 2 * math.Sqrt(1+m[2][2]-m[0][0]-m[1][1])
		q = Quaternion{
			X: (m[0][2] + m[2][0]) / s,
			Y: (m[1][2] + m[2][1]) / s,
			Z: 0.25 * s,
			W: (m[1][0] - m[0][1]) / s,
		}
	}
	return Transform{
		Translation: Vec3{m[0][3], m[1][3], m[2][3]},
		Rotation:    q.Normalized(),
	}
}
