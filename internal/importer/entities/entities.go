// Package entities registers the student and instructor import definitions
// with the importer registry. Import it for its side effects.
package entities

import "github.com/JonMunkholm/enroll/internal/importer"

// Entity keys.
const (
	Student    = "student"
	Instructor = "instructor"
)

// Record-creation methods on the school application.
const (
	MethodBulkEnrollStudents     = "school.al_ummah.api3.bulk_enroll_students"
	MethodEnrollSingleInstructor = "school.al_ummah.api3.enroll_single_instructor"
)

func init() {
	importer.Register(studentDefinition())
	importer.Register(instructorDefinition())
}

func text(name importer.Field, patterns ...string) importer.FieldSpec {
	return importer.FieldSpec{Name: name, Kind: importer.KindText, Patterns: patterns}
}

func required(spec importer.FieldSpec) importer.FieldSpec {
	spec.Required = true
	return spec
}

func kind(k importer.FieldKind, spec importer.FieldSpec) importer.FieldSpec {
	spec.Kind = k
	return spec
}
