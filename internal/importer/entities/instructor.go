package entities

import (
	"time"

	"github.com/JonMunkholm/enroll/internal/importer"
)

// Instructor fields.
const (
	InstructorFirstName     importer.Field = "First Name"
	InstructorMiddleName    importer.Field = "Middle Name"
	InstructorLastName      importer.Field = "Last Name"
	InstructorFullName      importer.Field = "Full Name"
	InstructorGender        importer.Field = "Gender"
	InstructorMobile        importer.Field = "Mobile"
	InstructorEmail         importer.Field = "Email"
	InstructorDOB           importer.Field = "Date of Birth"
	InstructorDOJ           importer.Field = "Date of Joining"
	InstructorPAN           importer.Field = "PAN Number"
	InstructorBankName      importer.Field = "Bank Name"
	InstructorBankAccount   importer.Field = "Bank A/C No."
	InstructorIFSC          importer.Field = "IFSC Code"
	InstructorCurrentAddr   importer.Field = "Current Address"
	InstructorPermanentAddr importer.Field = "Permanent Address"
	InstructorBloodGroup    importer.Field = "Blood Group"
	InstructorAttendanceID  importer.Field = "Attendance Device ID (Biometric/RF tag ID)"
	InstructorQualification importer.Field = "Qualification (Education)"
	InstructorSchool        importer.Field = "School/University (Education)"
)

const instructorRowDelay = 200 * time.Millisecond

type singleEnrollment struct {
	Teacher importer.CanonicalRecord `json:"teacher"`
}

func instructorDefinition() importer.EntityDefinition {
	return importer.EntityDefinition{
		Info: importer.EntityInfo{
			Key:   Instructor,
			Label: "Instructors",
			Noun:  "teacher",
		},
		Fields: []importer.FieldSpec{
			required(text(InstructorFirstName, "first", "fname", "given", "firstname")),
			text(InstructorMiddleName, "middle", "mname", "midname"),
			required(text(InstructorLastName, "last", "lname", "surname", "family", "lastname")),
			text(InstructorFullName, "full name", "teacher name", "name"),
			required(kind(importer.KindGender, text(InstructorGender, "gender", "sex"))),
			required(kind(importer.KindPhone, text(InstructorMobile, "mobile", "phone", "cell", "contact"))),
			required(kind(importer.KindEmail, text(InstructorEmail, "email", "e-mail", "mail"))),
			required(kind(importer.KindDate, text(InstructorDOB, "dob", "birth", "birthdate", "date of birth"))),
			required(kind(importer.KindDate, text(InstructorDOJ, "doj", "joining", "start date"))),
			text(InstructorPAN, "pan no", "pan number", "pan"),
			text(InstructorBankName, "bank name", "bank"),
			text(InstructorBankAccount, "account", "ac no", "a/c", "bank account", "account no"),
			text(InstructorIFSC, "ifsc"),
			text(InstructorCurrentAddr, "current address", "present address", "address"),
			text(InstructorPermanentAddr, "permanent address", "home address", "permanent"),
			text(InstructorBloodGroup, "blood group", "blood"),
			required(text(InstructorAttendanceID, "attendance id", "biometric", "rfid", "device id", "attendance")),
			text(InstructorQualification, "qualification", "education", "degree"),
			text(InstructorSchool, "school", "university", "institution", "college"),
		},
		// Columns such as "Bank Name" or "School/University (Education)"
		// contain generic words that belong to other fields, so specific
		// fields are tried first and the bare "name" pattern last.
		Detection: []importer.Field{
			InstructorDOB,
			InstructorDOJ,
			InstructorAttendanceID,
			InstructorBankAccount,
			InstructorIFSC,
			InstructorBankName,
			InstructorPAN,
			InstructorPermanentAddr,
			InstructorCurrentAddr,
			InstructorBloodGroup,
			InstructorSchool,
			InstructorQualification,
			InstructorEmail,
			InstructorMobile,
			InstructorGender,
			InstructorFirstName,
			InstructorMiddleName,
			InstructorLastName,
			InstructorFullName,
		},
		RowAssignments: true,
		SingleMethod:   MethodEnrollSingleInstructor,
		BuildSingle: func(_ importer.SessionContext, record importer.CanonicalRecord) any {
			return singleEnrollment{Teacher: record}
		},
		RecordContext: func(_ importer.SessionContext, row importer.RawRow) map[string]string {
			return map[string]string{
				"Class":    row.Class,
				"Division": row.Division,
			}
		},
		RowDelay: instructorRowDelay,
	}
}
