package entities

import (
	"time"

	"github.com/JonMunkholm/enroll/internal/importer"
)

// Student fields.
const (
	StudentFirstName  importer.Field = "First Name"
	StudentMiddleName importer.Field = "Middle Name"
	StudentLastName   importer.Field = "Last Name"
	StudentDOB        importer.Field = "Student Date of Birth"
	StudentEmail      importer.Field = "Email Address"
	StudentPhone      importer.Field = "Phone Number"
	StudentGRNumber   importer.Field = "GR Number"
	StudentRollNo     importer.Field = "Roll No"
	GuardianName      importer.Field = "Guardian Name"
	GuardianNumber    importer.Field = "Guardian Number"
	GuardianRelation  importer.Field = "Relation"
	GuardianEmail     importer.Field = "Guardian Email"
	GuardianDOB       importer.Field = "Guardian Date of Birth"
)

const studentRowDelay = 100 * time.Millisecond

// bulkEnrollment is the body of the bulk student enrollment call. The
// per-row fallback sends the same shape with one student.
type bulkEnrollment struct {
	AcademicYear string                     `json:"academicYear"`
	ClassName    string                     `json:"className"`
	DivisionName string                     `json:"divisionName"`
	Students     []importer.CanonicalRecord `json:"students"`
	Mappings     map[string]string          `json:"mappings"`
}

func studentDefinition() importer.EntityDefinition {
	return importer.EntityDefinition{
		Info: importer.EntityInfo{
			Key:   Student,
			Label: "Students",
			Noun:  "student",
		},
		Fields: []importer.FieldSpec{
			required(text(StudentFirstName, "first", "fname", "given")),
			text(StudentMiddleName, "middle", "mname"),
			required(text(StudentLastName, "last", "lname", "surname")),
			kind(importer.KindDate, text(StudentDOB, "dob", "birth", "birthdate", "date of birth", "student dob", "student date of birth")),
			kind(importer.KindEmail, text(StudentEmail, "email", "mail")),
			kind(importer.KindPhone, text(StudentPhone, "phone", "mobile", "contact")),
			required(text(StudentGRNumber, "gr", "grno", "gr_num")),
			required(text(StudentRollNo, "r. no", "roll", "rollno", "roll_num")),
			text(GuardianName, "guardian", "parent", "father", "mother"),
			kind(importer.KindPhone, text(GuardianNumber,
				"guardian no", "guardian number", "guardian phone", "guardian mobile", "guardian contact",
				"parent phone", "parent mobile", "father phone", "father mobile",
				"mother phone", "mother mobile")),
			text(GuardianRelation, "relation", "relationship"),
			kind(importer.KindEmail, text(GuardianEmail, "guardian email", "parent email", "father email", "mother email")),
			kind(importer.KindDate, text(GuardianDOB, "guardian dob", "parent dob", "father dob", "mother dob", "guardian date of birth")),
		},
		// Guardian columns carry generic words ("dob", "phone", "email"),
		// so their specific patterns are tried before the student ones.
		Detection: []importer.Field{
			GuardianDOB,
			GuardianNumber,
			GuardianEmail,
			StudentDOB,
			GuardianRelation,
			GuardianName,
			StudentFirstName,
			StudentMiddleName,
			StudentLastName,
			StudentEmail,
			StudentPhone,
			StudentRollNo,
			StudentGRNumber,
		},
		RequiresContext: true,
		BulkMethod:      MethodBulkEnrollStudents,
		BuildBulk: func(sc importer.SessionContext, records []importer.CanonicalRecord) any {
			return bulkEnrollment{
				AcademicYear: sc.AcademicYear,
				ClassName:    sc.Class,
				DivisionName: sc.Division,
				Students:     records,
				Mappings:     map[string]string{},
			}
		},
		RecordContext: func(sc importer.SessionContext, _ importer.RawRow) map[string]string {
			return map[string]string{
				"className":    sc.Class,
				"divisionName": sc.Division,
				"academicYear": sc.AcademicYear,
			}
		},
		RowDelay: studentRowDelay,
	}
}
